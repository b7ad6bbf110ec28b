package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the request's trace ID back to the client.
const CorrelationHeader = "X-Correlation-ID"

// probePaths are logged at debug level; everything else at info.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// responseState records what the handler did with the response.
type responseState struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (r *responseState) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through. The request is then accounted as
// 101 Switching Protocols and its duration covers the whole connection.
func (r *responseState) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", r.ResponseWriter)
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
		r.upgraded = true
	}
	return conn, rw, err
}

func (r *responseState) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// route labels a request by its mux pattern so that metric cardinality stays
// bounded. Unmatched requests share one label.
func route(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

// spanName is "METHOD route". Mux patterns may already carry the method.
func spanName(method, rt string) string {
	if strings.HasPrefix(rt, method+" ") {
		return rt
	}
	return method + " " + rt
}

// Middleware instruments an [http.ServeMux]. Each request gets a server span
// continued from any incoming traceparent, an X-Correlation-ID response header
// holding the trace ID, a duration sample labelled by method, route and
// status, and a completion log line.
//
// The route label comes from the mux pattern, so the middleware must wrap the
// mux itself rather than a handler registered on it.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}

			rs := &responseState{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rs, r)

			elapsed := time.Since(start)
			rt := route(r)
			span.SetName(spanName(r.Method, rt))
			span.SetAttributes(semconv.HTTPRoute(rt), semconv.HTTPResponseStatusCode(rs.status))
			if rs.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rs.status))
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", rt),
					attribute.Int("status", rs.status),
				),
			)

			level := slog.LevelInfo
			if probePaths[r.URL.Path] && rs.status < http.StatusInternalServerError {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "http request",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", rt),
				slog.Int("status", rs.status),
				slog.Bool("upgraded", rs.upgraded),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
