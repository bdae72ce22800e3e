package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiolos/octopus/otel"
)

func TestYamlFlag(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		var o *otel.Options
		f := newYamlFlag(&o)
		assert.Nil(t, o)
		assert.Equal(t, "", f.String())
	})

	t.Run("flow style", func(t *testing.T) {
		var o *otel.Options
		f := newYamlFlag(&o)
		require.NoError(t, f.Set("{service-name: gateway, initialized: true}"))

		require.NotNil(t, o)
		assert.Equal(t, &otel.Options{ServiceName: "gateway", Initialized: true}, o)
		assert.Equal(t, "{service-name: gateway, initialized: true}", f.String())
	})

	t.Run("empty object enables the defaults", func(t *testing.T) {
		var o *otel.Options
		require.NoError(t, newYamlFlag(&o).Set("{}"))
		assert.Equal(t, &otel.Options{}, o)
	})

	t.Run("invalid", func(t *testing.T) {
		var o *otel.Options
		assert.Error(t, newYamlFlag(&o).Set("{service-name"))
		assert.Nil(t, o)
	})
}
