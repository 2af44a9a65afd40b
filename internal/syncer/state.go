package syncer

import "time"

// Status is the outcome of the most recent sync run
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// RunState is the per-user sync bookkeeping. It lives for the process
// lifetime only.
type RunState struct {
	IsSyncing         bool       `json:"is_syncing"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	Status            Status     `json:"status"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastErrorTime     *time.Time `json:"last_error_time,omitempty"`
	LastError         string     `json:"last_error,omitempty"`

	// evicted marks an entry dropped while its sync was in flight
	evicted bool
}

func (s *RunState) copy() RunState {
	c := *s
	if s.LastSync != nil {
		t := *s.LastSync
		c.LastSync = &t
	}
	if s.LastErrorTime != nil {
		t := *s.LastErrorTime
		c.LastErrorTime = &t
	}
	return c
}

// circuitOpen reports whether recent failures should suppress a new run
func (s *RunState) circuitOpen(now time.Time, threshold int, cooldown time.Duration) bool {
	return s.ConsecutiveErrors >= threshold &&
		s.LastErrorTime != nil &&
		now.Sub(*s.LastErrorTime) < cooldown
}

func (s *RunState) succeeded(now time.Time) {
	s.ConsecutiveErrors = 0
	s.LastErrorTime = nil
	s.LastError = ""
	s.LastSync = &now
	s.Status = StatusSuccess
}

func (s *RunState) failed(now time.Time, err error) {
	s.ConsecutiveErrors++
	s.LastErrorTime = &now
	s.LastError = err.Error()
	s.Status = StatusError
}

// fetchState tracks a primary provider fetch through the single
// auth-expiry retry.
type fetchState int

const (
	fetchIdle fetchState = iota
	fetchFetching
	fetchRetrying
	fetchDone
	fetchFailed
)

func (f fetchState) String() string {
	switch f {
	case fetchIdle:
		return "idle"
	case fetchFetching:
		return "fetching"
	case fetchRetrying:
		return "retrying"
	case fetchDone:
		return "done"
	case fetchFailed:
		return "failed"
	}
	return "unknown"
}
