package domain

import (
	"time"
)

// RequestStatus is the lifecycle status of a RequestState.
type RequestStatus string

const (
	// RequestPending is awaiting any reply.
	RequestPending RequestStatus = "pending"
	// RequestProcessing has seen an acknowledgement but no result yet.
	RequestProcessing RequestStatus = "processing"
	// RequestCompleted received a result.
	RequestCompleted RequestStatus = "completed"
	// RequestFailed received an error or timed out.
	RequestFailed RequestStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// RequestKind distinguishes forwarded queries from button activations.
type RequestKind string

const (
	// KindSearch awaits the reply to a forwarded query.
	KindSearch RequestKind = "search"
	// KindActivation awaits the item produced by activating a result button.
	KindActivation RequestKind = "activation"
)

// RequestState tracks one outbound message awaiting an upstream reply.
type RequestState struct {
	Version        int           `json:"v"`
	RequestID      string        `json:"request_id"`
	SessionID      string        `json:"session_id"`
	UserID         int64         `json:"user_id"`
	Query          string        `json:"query"`
	CorrelationKey int64         `json:"correlation_key"`
	Kind           RequestKind   `json:"kind"`
	Index          int           `json:"index,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Deadline       time.Time     `json:"deadline"`
	Status         RequestStatus `json:"status"`
}

// Expired reports whether the reply deadline has passed.
func (r *RequestState) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// TimedOut reports whether the request was still unanswered at its deadline.
func (r *RequestState) TimedOut(now time.Time) bool {
	return !r.Status.Terminal() && r.Expired(now)
}
