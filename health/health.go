// Package health runs dependency checks and serves them with the Prometheus
// metrics on a small chi router.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	DefaultTimeout = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// CheckFunc adapts fn to a Checker.
func CheckFunc(name string, fn func(ctx context.Context) error) Checker {
	return checkFunc{name: name, fn: fn}
}

// Result is the outcome of one check.
type Result struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report aggregates all checks. Status is unhealthy when any check failed.
type Report struct {
	Status string   `json:"status"`
	Checks []Result `json:"checks"`
}

// Run executes every check concurrently, each bounded by timeout.
func Run(ctx context.Context, timeout time.Duration, checks ...Checker) Report {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	results := make([]Result, len(checks))

	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			r := Result{Name: c.Name(), Status: StatusHealthy}
			if err := c.Check(cctx); err != nil {
				r.Status = StatusUnhealthy
				r.Error = err.Error()
			}

			results[i] = r
		})
	}

	wg.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })

	rep := Report{Status: StatusHealthy, Checks: results}
	for _, r := range results {
		if r.Status != StatusHealthy {
			rep.Status = StatusUnhealthy
			break
		}
	}

	return rep
}

// Handler serves the check report as JSON, 503 when unhealthy.
func Handler(timeout time.Duration, checks ...Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := Run(r.Context(), timeout, checks...)

		code := http.StatusOK
		if rep.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	}
}

// NewRouter exposes /healthz, /ping and /metrics. A nil gatherer uses the default registry.
// Callers may mount further routes on the returned router.
func NewRouter(gatherer prometheus.Gatherer, timeout time.Duration, checks ...Checker) *chi.Mux {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Get("/healthz", Handler(timeout, checks...))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
