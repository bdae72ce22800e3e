package filters

import (
	"context"
	"runtime"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiolos/octopus/metrics"
)

const (
	startEvent = "start"
	endEvent   = "end"
)

func requestSpan(ctx FilterContext) trace.Span {
	if r := ctx.Request(); r != nil {
		return trace.SpanFromContext(r.Context())
	}

	return trace.SpanFromContext(context.Background())
}

// logFilterEvent adds the start or the end of a filter to the span of the
// request. Without a span of the request it is a noop.
func logFilterEvent(span trace.Span, name, event string) {
	if !span.IsRecording() {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attribute.String("event", event)))
}

// Chain holds the global filters in the order of their precedence.
type Chain struct {
	filters []GlobalFilter
	metrics metrics.Metrics
}

// NewChain creates a chain from the filters, sorted by their Order. Filters
// with the same order keep the sequence they were passed in.
func NewChain(m metrics.Metrics, f ...GlobalFilter) *Chain {
	sorted := slices.Clone(f)
	slices.SortStableFunc(sorted, func(a, b GlobalFilter) int {
		switch {
		case a.Order() < b.Order():
			return -1
		case a.Order() > b.Order():
			return 1
		default:
			return 0
		}
	})

	if m == nil {
		m = metrics.Default
	}

	return &Chain{filters: sorted, metrics: m}
}

// Filters returns the filters in execution order of the request side.
func (c *Chain) Filters() []GlobalFilter {
	return slices.Clone(c.filters)
}

// Names returns the names of the filters in execution order of the request
// side.
func (c *Chain) Names() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}

	return names
}

func tryCatch(p func(), onErr func(err any, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			buf := make([]byte, 1024)
			l := runtime.Stack(buf, false)
			onErr(err, string(buf[:l]))
		}
	}()

	p()
}

// ApplyRequest applies the request side of the filters in order. It stops
// after a filter served or dropped the request, and returns the filters
// that were executed.
func (c *Chain) ApplyRequest(ctx FilterContext) []GlobalFilter {
	span := requestSpan(ctx)
	processed := make([]GlobalFilter, 0, len(c.filters))
	for _, fi := range c.filters {
		start := time.Now()
		logFilterEvent(span, fi.Name(), startEvent)
		tryCatch(func() {
			fi.Request(ctx)
			c.metrics.MeasureFilterRequest(fi.Name(), start)
		}, func(err any, stack string) {
			log.Errorf("error while processing filter during request: %s: %v (%s)", fi.Name(), err, stack)
		})
		logFilterEvent(span, fi.Name(), endEvent)

		processed = append(processed, fi)
		if ctx.Served() || ctx.Dropped() {
			break
		}
	}

	return processed
}

// ApplyResponse applies the response side of the processed filters in
// reverse order.
func (c *Chain) ApplyResponse(processed []GlobalFilter, ctx FilterContext) {
	span := requestSpan(ctx)
	last := len(processed) - 1
	for i := range processed {
		fi := processed[last-i]
		start := time.Now()
		logFilterEvent(span, fi.Name(), startEvent)
		tryCatch(func() {
			fi.Response(ctx)
			c.metrics.MeasureFilterResponse(fi.Name(), start)
		}, func(err any, stack string) {
			log.Errorf("error while processing filters during response: %s: %v (%s)", fi.Name(), err, stack)
		})
		logFilterEvent(span, fi.Name(), endEvent)
	}
}
