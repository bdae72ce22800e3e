package metrics

import (
	"net/http"
	"strings"

	metrics "github.com/rcrowley/go-metrics"
)

func newUniformSample() metrics.Sample {
	return metrics.NewUniformSample(defaultUniformReservoirSize)
}

func newExpDecaySample() metrics.Sample {
	return metrics.NewExpDecaySample(defaultExpDecayReservoirSize, defaultExpDecayAlpha)
}

func createTimer(sample metrics.Sample) metrics.Timer {
	return metrics.NewCustomTimer(metrics.NewHistogram(sample), metrics.NewMeter())
}

func hostForKey(h string) string {
	if h == "" {
		return "_unknown_"
	}

	h = strings.ReplaceAll(h, ".", "_")
	h = strings.ReplaceAll(h, ":", "__")
	return h
}

func measuredMethod(m string) string {
	switch m {
	case http.MethodOptions,
		http.MethodGet,
		http.MethodHead,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodTrace,
		http.MethodConnect:
		return m
	default:
		return "_unknownmethod_"
	}
}
