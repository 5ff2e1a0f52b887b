package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// CheckResult is what a checker reports. The registry fills in Name and
// Duration.
type CheckResult struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Pending  int            `json:"pending,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Report is one pass over every registered checker. Pending sums the
// calls awaiting a reply across all bridges checked.
type Report struct {
	Status  Status        `json:"status"`
	Ready   bool          `json:"ready"`
	Pending int           `json:"pending"`
	Version string        `json:"version,omitempty"`
	Checked time.Time     `json:"checked"`
	Checks  []CheckResult `json:"checks"`
}

// Result returns the result of the named check
func (r Report) Result(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Checker is a single health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type checkerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c checkerFunc) Name() string {
	return c.name
}

func (c checkerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

// CheckerFunc turns fn into a Checker called name
func CheckerFunc(name string, fn func(ctx context.Context) CheckResult) Checker {
	return checkerFunc{name: name, fn: fn}
}

// Registry holds the checkers of one process
type Registry struct {
	version string

	mu       sync.RWMutex
	checkers []Checker
}

// RegistryOption configures a registry
type RegistryOption func(*Registry)

// WithVersion stamps every report with the build version
func WithVersion(version string) RegistryOption {
	return func(r *Registry) {
		r.version = version
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checkers. A checker replaces an earlier one of the same
// name.
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()

next:
	for _, c := range checkers {
		for i, existing := range r.checkers {
			if existing.Name() == c.Name() {
				r.checkers[i] = c
				continue next
			}
		}
		r.checkers = append(r.checkers, c)
	}
}

// Check runs every checker concurrently. A checker still running when ctx
// ends is reported unhealthy. The process is ready while nothing is
// unhealthy: a bridge waiting for init or a worker not yet initialized
// only degrades it.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = run(ctx, c)
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := Report{
		Status:  StatusHealthy,
		Version: r.version,
		Checked: time.Now(),
		Checks:  results,
	}
	for _, res := range results {
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
		report.Pending += res.Pending
	}
	report.Ready = report.Status != StatusUnhealthy
	return report
}

func run(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	out := make(chan CheckResult, 1)
	go func() { out <- c.Check(ctx) }()

	var res CheckResult
	select {
	case res = <-out:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.Name = c.Name()
	res.Duration = time.Since(start)
	return res
}

// Mount serves the registry on mux:
//
//	/healthz  the full report, 503 when unhealthy
//	/readyz   readiness and pending calls, 503 when not ready
//	/livez    200 while the process can answer
func Mount(mux *http.ServeMux, registry *Registry, timeout time.Duration) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		report := check(r, registry, timeout)
		writeJSON(w, report.Status != StatusUnhealthy, report)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		report := check(r, registry, timeout)
		writeJSON(w, report.Ready, map[string]any{
			"ready":   report.Ready,
			"status":  report.Status,
			"pending": report.Pending,
		})
	})
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alive"))
	})
}

func check(r *http.Request, registry *Registry, timeout time.Duration) Report {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	return registry.Check(ctx)
}

func writeJSON(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
