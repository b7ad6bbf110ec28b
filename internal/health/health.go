// Package health serves liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only when all of
// them pass and the server is not draining. Both respond with JSON:
//
//	{"status":"fail","checks":[{"name":"credential","ok":false,"error":"...","latency_ms":0}]}
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// ErrNotConfigured reports a dependency that has not been set up.
var ErrNotConfigured = errors.New("not configured")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CredentialChecker passes while the environment variable named by env() is
// set and non-empty. env is re-evaluated per probe so that a config reload
// naming a different variable is picked up.
func CredentialChecker(env func() string) Checker {
	return Checker{
		Name: "credential",
		Check: func(context.Context) error {
			name := env()
			if v, ok := os.LookupEnv(name); !ok || v == "" {
				return fmt.Errorf("%s environment variable not set", name)
			}
			return nil
		},
	}
}

// ProviderChecker passes while ready reports no error.
func ProviderChecker(ready func() error) Checker {
	return Checker{
		Name:  "provider",
		Check: func(context.Context) error { return ready() },
	}
}

type checkResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type response struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout sets the per-check deadline. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves the probe endpoints.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on every readiness probe.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: slices.Clone(checkers), timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Drain makes every later readiness probe fail, so load balancers stop
// routing new calls while existing ones finish.
func (h *Handler) Drain() { h.draining.Store(true) }

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs all checkers and reports 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "draining"})
		return
	}

	results := make([]checkResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			results[i] = h.run(r.Context(), c)
			return nil
		})
	}
	_ = g.Wait()
	slices.SortFunc(results, func(a, b checkResult) int { return cmp.Compare(a.Name, b.Name) })

	res, status := response{Status: "ok", Checks: results}, http.StatusOK
	for _, c := range results {
		if !c.OK {
			res.Status, status = "fail", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

func (h *Handler) run(ctx context.Context, c Checker) checkResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	if err == nil {
		err = ctx.Err()
	}
	res := checkResult{Name: c.Name, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
