// Package health provides the ops server's liveness and readiness handlers.
//
//   - /healthz is the liveness probe and always returns 200 OK.
//   - /readyz is the readiness probe and returns 200 only when every
//     registered [Checker] passes. Checks run concurrently.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the component is
// ready and an error describing why not otherwise.
type Checker struct {
	// Name is the key in the JSON response (e.g. "transport", "capture").
	Name string

	// Check probes the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Checkers may be added until the
// handler is registered; afterwards the list is read-only.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] with the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Add appends a checker.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	outcomes := make([]error, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	for i, c := range checkers {
		if err := outcomes[i]; err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
