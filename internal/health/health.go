// Package health serves the satellite's probes.
//
// GET /healthz is the liveness probe. It fails when a liveness check does,
// typically because the assistant loop stopped ticking. GET /readyz is the
// readiness probe and fails while the server link is down. Both answer with
// {"status": "ok"|"fail", "checks": {name: result}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

var (
	// ErrNotConnected is reported by [Connected] checks whose link is down.
	ErrNotConnected = errors.New("not connected")
	// ErrStalled is reported by [Fresh] checks whose heartbeat is too old.
	ErrStalled = errors.New("stalled")
)

// Checker is a named check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Connected passes while up reports true.
func Connected(name string, up func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !up() {
			return ErrNotConnected
		}
		return nil
	}}
}

// Fresh passes while the heartbeat returned by last is at most maxAge old.
// A zero heartbeat means the loop has not started yet and passes.
func Fresh(name string, last func() time.Time, maxAge time.Duration) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		t := last()
		if t.IsZero() {
			return nil
		}
		if age := time.Since(t); age > maxAge {
			return fmt.Errorf("%w: last beat %s ago", ErrStalled, age.Round(time.Millisecond))
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both probes.
type Handler struct {
	live  []Checker
	ready []Checker
}

// New returns a handler whose /readyz runs ready.
func New(ready ...Checker) *Handler {
	return &Handler{ready: append([]Checker(nil), ready...)}
}

// Liveness adds checks to /healthz and returns h.
func (h *Handler) Liveness(checks ...Checker) *Handler {
	h.live = append(h.live, checks...)
	return h
}

// Healthz runs the liveness checks.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.live)
}

// Readyz runs the readiness checks.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.ready)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// serve runs checks concurrently, each bounded by checkTimeout, and answers
// 503 if any fails.
func serve(w http.ResponseWriter, r *http.Request, checks []Checker) {
	res := result{Status: "ok"}
	if len(checks) > 0 {
		res.Checks = make(map[string]string, len(checks))
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcome := "ok"
			if err := c.Check(ctx); err != nil {
				outcome = "fail: " + err.Error()
			}
			mu.Lock()
			res.Checks[c.Name] = outcome
			if outcome != "ok" {
				res.Status = "fail"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	if res.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}
