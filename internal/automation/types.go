// Package automation drives the puppet account that talks to the upstream
// counterpart on behalf of every end user.
package automation

import (
	"context"
	"time"

	"github.com/ashureev/puppet-relay/internal/domain"
)

// Identity is the account the automation transport is logged in as.
type Identity struct {
	ID       int64
	Username string
}

// Button is a button as it appears on an upstream message.
type Button struct {
	Text     string
	Data     []byte
	URL      string
	SamePeer bool
}

// Attachment describes media carried by an upstream message.
type Attachment struct {
	Kind     string
	FileID   string
	FileName string
	Size     int64
	MimeType string
}

// Message is one inbound message from the upstream counterpart.
type Message struct {
	ID         int64
	ReplyTo    int64 // 0 when the message is not a reply
	Text       string
	Buttons    [][]Button
	Attachment *Attachment
	Date       time.Time
}

// HasButtons reports whether any button row is non-empty.
func (m Message) HasButtons() bool {
	for _, row := range m.Buttons {
		if len(row) > 0 {
			return true
		}
	}
	return false
}

// MessageRef addresses a message inside a chat.
type MessageRef struct {
	Peer string
	ID   int64
}

// Client is the automation transport.
type Client interface {
	// Connect logs the account in and starts the inbound stream.
	Connect(ctx context.Context) (Identity, error)

	// Send posts text to target and returns the id of the sent message.
	Send(ctx context.Context, target, text string) (int64, error)

	// Activate clicks a button on msg. Link buttons cannot be clicked.
	Activate(ctx context.Context, msg MessageRef, button domain.ButtonDescriptor) (bool, error)

	// Join subscribes the account to a channel.
	Join(ctx context.Context, channel string) (bool, error)

	// Inbound yields messages from the counterpart in arrival order.
	Inbound() <-chan Message

	// Close disconnects.
	Close() error
}
