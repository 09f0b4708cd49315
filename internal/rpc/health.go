package rpc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the coarse connectivity state shown to users.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DegradedWindow is how recent a success must be for failures to count as
// degraded rather than down.
const DegradedWindow = 30 * time.Second

// Health is a snapshot of the gateway's connectivity. It is diagnostic only:
// nothing in the call path reads it to make decisions.
type Health struct {
	LastEndpoint        string     `json:"last_endpoint,omitempty"`
	LastMethod          string     `json:"last_method,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorClass      ErrorClass `json:"last_error_class,omitempty"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	Status              Status     `json:"status"`
}

// Observation is a single call outcome fed into the health state.
type Observation struct {
	Endpoint string
	Method   string
	Err      error
	Class    ErrorClass
	At       time.Time
}

// NextHealth applies one observation to prev and returns the new value.
func NextHealth(prev Health, obs Observation) Health {
	next := prev
	next.LastEndpoint = obs.Endpoint
	next.LastMethod = obs.Method
	if obs.Err == nil {
		at := obs.At
		next.LastSuccessAt = &at
		next.ConsecutiveFailures = 0
		next.Status = StatusOK
		return next
	}
	next.LastError = obs.Err.Error()
	next.LastErrorClass = obs.Class
	next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	if prev.LastSuccessAt != nil && obs.At.Sub(*prev.LastSuccessAt) <= DegradedWindow {
		next.Status = StatusDegraded
	} else {
		next.Status = StatusDown
	}
	return next
}

// healthState has a single writer (the gateway) and any number of readers.
// Readers get copies; the stored value is replaced wholesale on every write.
type healthState struct {
	mu      sync.Mutex
	current atomic.Pointer[Health]
}

func newHealthState() *healthState {
	h := &healthState{}
	h.current.Store(&Health{Status: StatusOK})
	return h
}

func (h *healthState) record(obs Observation) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := NextHealth(*h.current.Load(), obs)
	h.current.Store(&next)
	return next.clone()
}

func (h *healthState) snapshot() Health {
	return h.current.Load().clone()
}

func (h Health) clone() Health {
	out := h
	if h.LastSuccessAt != nil {
		at := *h.LastSuccessAt
		out.LastSuccessAt = &at
	}
	return out
}
