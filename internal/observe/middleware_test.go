package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type instrumented struct {
	srv    http.Handler
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
}

// newInstrumented wraps mux with Middleware, recording into private metric
// and trace providers. The global tracer provider is swapped for the test.
func newInstrumented(t *testing.T, mux *http.ServeMux) *instrumented {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return &instrumented{srv: Middleware(m)(mux), reader: reader, spans: exp}
}

func (in *instrumented) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	in.srv.ServeHTTP(rec, req)
	return rec
}

func (in *instrumented) durationAttrs(t *testing.T) []attribute.Set {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := in.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "leadline.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want histogram", met.Data)
	}
	var sets []attribute.Set
	for _, dp := range hist.DataPoints {
		sets = append(sets, dp.Attributes)
	}
	return sets
}

func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calls/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	return mux
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	in := newInstrumented(t, testMux())

	tests := []struct {
		path       string
		wantRoute  string
		wantStatus int
	}{
		{"/calls/a", "GET /calls/{id}", http.StatusNoContent},
		{"/calls/b", "GET /calls/{id}", http.StatusNoContent},
		{"/nowhere", "unmatched", http.StatusNotFound},
		{"/boom", "GET /boom", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := in.do(httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.wantStatus {
			t.Errorf("%s: status = %d, want %d", tc.path, rec.Code, tc.wantStatus)
		}
	}

	if got := spanName(http.MethodGet, "/call"); got != "GET /call" {
		t.Errorf("spanName = %q", got)
	}

	// Two requests share the templated route, so three series remain.
	sets := in.durationAttrs(t)
	if len(sets) != 3 {
		t.Fatalf("series = %d, want 3", len(sets))
	}
	for _, tc := range tests {
		want := attribute.NewSet(
			attribute.String("method", http.MethodGet),
			attribute.String("route", tc.wantRoute),
			attribute.Int("status", tc.wantStatus),
		)
		found := false
		for _, s := range sets {
			if s.Equals(&want) {
				found = true
			}
		}
		if !found {
			t.Errorf("no series for %s", tc.path)
		}
	}
}

func TestMiddleware_Spans(t *testing.T) {
	in := newInstrumented(t, testMux())

	in.do(httptest.NewRequest(http.MethodGet, "/calls/x", nil))
	in.do(httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := in.spans.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "GET /calls/{id}" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /calls/{id}")
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("204 span marked as error")
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("500 span status = %v, want Error", spans[1].Status.Code)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	in := newInstrumented(t, testMux())

	t.Run("new trace", func(t *testing.T) {
		rec := in.do(httptest.NewRequest(http.MethodGet, "/calls/x", nil))
		if got := rec.Header().Get(CorrelationHeader); len(got) != 32 {
			t.Errorf("%s = %q, want a 32-char trace ID", CorrelationHeader, got)
		}
	})

	t.Run("continued trace", func(t *testing.T) {
		const traceID = "0af7651916cd43dd8448eb211c80319c"
		req := httptest.NewRequest(http.MethodGet, "/calls/x", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
		rec := in.do(req)
		if got := rec.Header().Get(CorrelationHeader); got != traceID {
			t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
		}
	})
}

func TestMiddleware_Upgrade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/call", func(w http.ResponseWriter, _ *http.Request) {
		conn, rw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: test\r\nConnection: Upgrade\r\n\r\n")
		_ = rw.Flush()
	})
	in := newInstrumented(t, mux)
	srv := httptest.NewServer(in.srv)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/call", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "test")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	// The handler may still be returning when the client sees the response.
	deadline := time.Now().Add(2 * time.Second)
	for len(in.spans.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	spans := in.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusSwitchingProtocols {
		t.Errorf("span status code = %d, want 101", status)
	}
}
