// Package health serves the /live and /ready probes.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the state of a probe or component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck is the result of one named check.
type ComponentCheck struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body of both probes.
type Response struct {
	Status     Status           `json:"status"`
	Components []ComponentCheck `json:"components,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// CheckFunc returns nil when the component is healthy.
type CheckFunc func() error

// Checker aggregates named liveness and readiness checks.
//
// Liveness fails only when a check says the process cannot recover on its
// own (a dead batch worker). Readiness additionally fails during shutdown.
type Checker struct {
	mu        sync.RWMutex
	liveness  map[string]CheckFunc
	readiness map[string]CheckFunc

	shuttingDown atomic.Bool
}

// New creates an empty Checker.
func New() *Checker {
	return &Checker{
		liveness:  make(map[string]CheckFunc),
		readiness: make(map[string]CheckFunc),
	}
}

// RegisterLiveness adds a check to /live and /ready.
func (c *Checker) RegisterLiveness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness[name] = check
}

// RegisterReadiness adds a check to /ready.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readiness[name] = check
}

// SetShuttingDown makes /ready fail so load balancers stop routing here.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// Live runs the liveness checks.
func (c *Checker) Live() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return run(c.liveness)
}

// Ready runs the liveness and readiness checks.
func (c *Checker) Ready() Response {
	c.mu.RLock()
	all := make(map[string]CheckFunc, len(c.liveness)+len(c.readiness))
	for k, v := range c.liveness {
		all[k] = v
	}
	for k, v := range c.readiness {
		all[k] = v
	}
	c.mu.RUnlock()

	resp := run(all)
	if c.shuttingDown.Load() {
		resp.Status = StatusDown
		resp.Components = append(resp.Components, ComponentCheck{Name: "process", Status: StatusDown, Message: "shutting down"})
	}
	return resp
}

func run(checks map[string]CheckFunc) Response {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := Response{Status: StatusUp, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	for _, name := range names {
		cc := ComponentCheck{Name: name, Status: StatusUp}
		if err := checks[name](); err != nil {
			cc.Status = StatusDown
			cc.Message = err.Error()
			resp.Status = StatusDown
		}
		resp.Components = append(resp.Components, cc)
	}
	return resp
}

// LiveHandler serves /live.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Live())
	}
}

// ReadyHandler serves /ready.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Ready())
	}
}

func writeJSON(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status != StatusUp {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
