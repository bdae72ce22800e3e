package config

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// yamlFlag sets a struct pointer from a YAML value of the command line.
// An unset flag leaves the pointer nil.
type yamlFlag[T any] struct {
	ptr   **T
	value string
}

func newYamlFlag[T any](ptr **T) *yamlFlag[T] {
	return &yamlFlag[T]{ptr: ptr}
}

func (yf *yamlFlag[T]) Set(value string) error {
	var opts T
	if err := yaml.Unmarshal([]byte(value), &opts); err != nil {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}

	*yf.ptr = &opts
	yf.value = value
	return nil
}

func (yf *yamlFlag[T]) String() string {
	if yf == nil {
		return ""
	}

	return yf.value
}
