package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Readiness components reported by /readyz.
const (
	ComponentStore  = "store"
	ComponentNATS   = "nats"
	ComponentMarket = "market"
	ComponentAPI    = "api"
)

// ComponentStatus is one line of the readiness report.
type ComponentStatus struct {
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
}

// HealthChecker tracks the readiness of named components. The process is
// ready once every component registered at construction reports ok.
// Liveness only requires the process to answer.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	startTime  time.Time
	now        func() time.Time
}

// NewHealthChecker registers components as not ready.
func NewHealthChecker(components ...string) *HealthChecker {
	h := &HealthChecker{
		components: make(map[string]ComponentStatus, len(components)),
		startTime:  time.Now(),
		now:        time.Now,
	}
	for _, c := range components {
		h.components[c] = ComponentStatus{Detail: "pending", Since: h.startTime}
	}
	return h
}

// Register adds components as not ready. Already known components keep
// their state.
func (h *HealthChecker) Register(components ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range components {
		if _, ok := h.components[c]; !ok {
			h.components[c] = ComponentStatus{Detail: "pending", Since: h.now()}
		}
	}
}

// Set records a component's state. Since only moves when ok changes.
// Unregistered components are ignored.
func (h *HealthChecker) Set(component string, ok bool, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, known := h.components[component]
	if !known {
		return
	}
	if cur.OK != ok {
		cur.Since = h.now()
	}
	cur.OK, cur.Detail = ok, detail
	h.components[component] = cur
}

// Ready reports whether every component is ok.
func (h *HealthChecker) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.components {
		if !c.OK {
			return false
		}
	}
	return true
}

// Status returns a copy of the component table.
func (h *HealthChecker) Status() map[string]ComponentStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ComponentStatus, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// Watch runs check every interval until ctx is done and records the result
// under component. The first check runs immediately.
func (h *HealthChecker) Watch(ctx context.Context, component string, interval time.Duration, check func(context.Context) error) {
	run := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := check(cctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.Set(component, false, err.Error())
			return
		}
		h.Set(component, true, "")
	}

	run()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when every component is ok and 503 otherwise.
// The body names the failing components.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.Status()
	var failing []string
	for name, c := range status {
		if !c.OK {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	code, state := http.StatusOK, "ready"
	if len(failing) > 0 {
		code, state = http.StatusServiceUnavailable, "not_ready"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     state,
		"failing":    failing,
		"components": status,
	})
}
