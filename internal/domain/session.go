// Package domain contains the persisted record types of the relay.
package domain

import (
	"fmt"
	"time"
)

// RecordVersion is the schema version written into every persisted record.
// Readers treat any other version as a miss.
const RecordVersion = 1

// SessionState is the pagination state of a user.
type SessionState string

const (
	// StateIdle means no request is in flight. A missing session is also idle.
	StateIdle SessionState = "idle"
	// StateSearching means a query was forwarded and the result list is awaited.
	StateSearching SessionState = "searching"
	// StateListing means the result list is known and items are being fetched.
	StateListing SessionState = "listing"
)

// ButtonDescriptor is one result button offered by the upstream counterpart.
// Exactly one of Payload and Link is set.
type ButtonDescriptor struct {
	Label      string `json:"label"`
	Payload    []byte `json:"payload,omitempty"`
	Link       string `json:"link,omitempty"`
	SameTarget bool   `json:"same_target,omitempty"`
}

// Clickable reports whether the automation account can activate the button.
func (b ButtonDescriptor) Clickable() bool {
	return len(b.Payload) > 0
}

// UserSession is the pagination session of one end user.
type UserSession struct {
	Version          int                `json:"v"`
	UserID           int64              `json:"user_id"`
	SessionID        string             `json:"session_id"`
	OriginalQuery    string             `json:"original_query"`
	CurrentIndex     int                `json:"current_index"`
	TotalResults     int                `json:"total_results"`
	Results          []ButtonDescriptor `json:"results,omitempty"`
	ResultsMessageID int64              `json:"results_message_id,omitempty"`
	State            SessionState       `json:"state"`
	PendingKey       int64              `json:"pending_key,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	LastActivity     time.Time          `json:"last_activity"`
}

// NewUserSession starts a searching session for a fresh query.
func NewUserSession(userID int64, sessionID, query string, now time.Time) *UserSession {
	return &UserSession{
		Version:       RecordVersion,
		UserID:        userID,
		SessionID:     sessionID,
		OriginalQuery: query,
		State:         StateSearching,
		CreatedAt:     now,
		LastActivity:  now,
	}
}

// Validate checks the index invariants.
func (s *UserSession) Validate() error {
	if s.UserID <= 0 {
		return fmt.Errorf("session: invalid user id %d", s.UserID)
	}
	if s.SessionID == "" {
		return fmt.Errorf("session: missing session id")
	}
	if s.TotalResults < 0 {
		return fmt.Errorf("session: negative total_results %d", s.TotalResults)
	}
	if s.CurrentIndex < 0 || s.CurrentIndex > s.TotalResults {
		return fmt.Errorf("session: current_index %d outside [0,%d]", s.CurrentIndex, s.TotalResults)
	}
	return nil
}

// Touch records activity.
func (s *UserSession) Touch(now time.Time) {
	s.LastActivity = now
}

// SetResults replaces the result list and rewinds to the first item.
func (s *UserSession) SetResults(messageID int64, results []ButtonDescriptor) {
	s.Results = results
	s.TotalResults = len(results)
	s.CurrentIndex = 0
	s.ResultsMessageID = messageID
	s.State = StateListing
}

// CanAdvanceTo reports whether k is the next item of the result list.
func (s *UserSession) CanAdvanceTo(k int) bool {
	return s.State == StateListing && k == s.CurrentIndex+1 && k < s.TotalResults
}

// HasNext reports whether another item follows the current one.
func (s *UserSession) HasNext() bool {
	return s.CurrentIndex+1 < s.TotalResults
}

// Result returns the button at index i.
func (s *UserSession) Result(i int) (ButtonDescriptor, bool) {
	if i < 0 || i >= len(s.Results) {
		return ButtonDescriptor{}, false
	}
	return s.Results[i], true
}

// Idle marks the session as having nothing in flight.
func (s *UserSession) Idle() {
	s.State = StateIdle
	s.PendingKey = 0
}
