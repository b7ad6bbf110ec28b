// Package observe provides application-wide observability primitives for
// leadline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Instruments are created through the OpenTelemetry Metrics API and exported
// to Prometheus by [Init]. Tests build their own [Metrics] with [NewMetrics]
// over a private meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)


// Metrics groups the leadline instruments. OTel instruments are safe for
// concurrent use.
type Metrics struct {
	// Calls.
	CallsActive            metric.Int64UpDownCounter
	CallsTotal             metric.Int64Counter // outcome=ended|error
	CallsRejected          metric.Int64Counter
	SessionConnectDuration metric.Float64Histogram

	// Provider and tools.
	ProviderErrors metric.Int64Counter // provider, kind
	ToolCalls      metric.Int64Counter // tool, status

	// Audio.
	AudioBlocksSent        metric.Int64Counter
	AudioSegmentsScheduled metric.Int64Counter
	AudioDecodeErrors      metric.Int64Counter

	TranscriptEntries metric.Int64Counter // author=user|agent

	// HTTPRequestDuration is recorded by [Middleware] with method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// Session setup spans a TLS dial and a model handshake.
var connectBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// instruments accumulates creation errors so NewMetrics can report them all.
type instruments struct {
	m    metric.Meter
	errs []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.m.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.m.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{m: mp.Meter(scope)}

	active, err := in.m.Int64UpDownCounter("leadline.calls.active",
		metric.WithDescription("Calls between start and teardown."))
	in.errs = append(in.errs, err)

	met := &Metrics{
		CallsActive:            active,
		CallsTotal:             in.counter("leadline.calls.total", "Finished calls by outcome."),
		CallsRejected:          in.counter("leadline.calls.rejected", "Call connections refused at capacity."),
		SessionConnectDuration: in.seconds("leadline.session.connect.duration", "Time from call start until the remote session opened.", connectBuckets...),
		ProviderErrors:         in.counter("leadline.provider.errors", "Provider errors by provider and kind."),
		ToolCalls:              in.counter("leadline.tool.calls", "Tool invocations by tool and status."),
		AudioBlocksSent:        in.counter("leadline.audio.blocks_sent", "Capture blocks delivered to the remote session."),
		AudioSegmentsScheduled: in.counter("leadline.audio.segments_scheduled", "Speech segments scheduled for playback."),
		AudioDecodeErrors:      in.counter("leadline.audio.decode_errors", "Received speech segments dropped as undecodable."),
		TranscriptEntries:      in.counter("leadline.transcript.entries", "Transcript entries by author."),
		HTTPRequestDuration:    in.seconds("leadline.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns a shared [Metrics] on the global meter provider,
// created on first use. Call it after [Init] so the instruments are exported.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordCallOutcome records a finished call with its outcome.
func (m *Metrics) RecordCallOutcome(ctx context.Context, outcome string) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool), attribute.String("status", status)))
}

// RecordProviderError counts one provider failure of the given kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), attribute.String("kind", kind)))
}

// RecordTranscriptEntry counts one transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, author string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("author", author)))
}
