// Package protocol defines the seam between the gateway and the chat
// protocol client library. The gateway never talks to the wire itself:
// it dials a Client per device, feeds it a credential directory, and
// consumes its event stream. End-to-end encryption and wire framing are
// the client's business.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Send failure classes. Permanent errors must not be retried by the
// sender worker.
var (
	ErrNotConnected     = errors.New("protocol: socket not connected")
	ErrNotPaired        = errors.New("protocol: device not paired")
	ErrRecipientUnknown = errors.New("protocol: recipient not on protocol")
	ErrPayloadRejected  = errors.New("protocol: payload rejected")
)

// IsPermanent reports whether a send error is terminal: retrying it can
// never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRecipientUnknown) || errors.Is(err, ErrPayloadRejected)
}

// Message types dispatched through the outbox.
const (
	TypeText     = "text"
	TypeMedia    = "media"
	TypeLocation = "location"
	TypeContact  = "contact"
	TypeReaction = "reaction"
	TypePoll     = "poll"
	TypeDelete   = "delete"
)

// KnownMessageType validates a message_type token.
func KnownMessageType(t string) bool {
	switch t {
	case TypeText, TypeMedia, TypeLocation, TypeContact, TypeReaction, TypePoll, TypeDelete:
		return true
	}
	return false
}

// Message is an outbound payload. The gateway treats Payload as opaque
// bytes produced by the HTTP layer; only the client materializes a
// typed view. For media sends the gateway downloads the body itself,
// through its SSRF guard, and hands it over in Media; the client never
// dials tenant-supplied URLs.
type Message struct {
	Type    string
	Payload json.RawMessage

	Media     []byte
	MediaType string
}

// SendResult carries the protocol-assigned message id.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Identity is the paired account behind a connected socket.
type Identity struct {
	JID  string
	Name string
}

// Handler consumes socket events. Implementations of Client invoke it
// serially per device; handlers must not block it.
type Handler func(Event)

// Client is one live pairing with the chat protocol. Implementations
// are expected to serialize their own event callbacks per socket.
type Client interface {
	// Connect opens the socket. For an unpaired session the client
	// starts emitting EventQR until pairing completes or the codes run
	// out.
	Connect(ctx context.Context) error
	// Disconnect closes the socket without touching credentials.
	Disconnect()
	// Logout invalidates the pairing server-side and closes the socket.
	Logout(ctx context.Context) error

	IsConnected() bool
	// IsPaired reports whether credential material exists for this
	// session directory.
	IsPaired() bool
	// Identity returns the paired account, if pairing has completed.
	Identity() (Identity, bool)

	// PairPhone triggers the one-time-code pairing flow and returns the
	// code to display.
	PairPhone(ctx context.Context, phone string) (string, error)

	// Send dispatches one message and returns the protocol message id.
	Send(ctx context.Context, jid string, msg Message) (*SendResult, error)

	// Group management.
	CreateGroup(ctx context.Context, name string, participants []string) (string, error)
	UpdateGroupParticipants(ctx context.Context, groupJID string, participants []string, add bool) error

	// Privacy settings, as opaque name → value tokens.
	PrivacySettings(ctx context.Context) (map[string]string, error)
	SetPrivacySetting(ctx context.Context, name, value string) error
}

// Dialer constructs a Client bound to a credential directory. The
// lifecycle engine owns exactly one Client per device it holds the
// distributed lock for.
type Dialer interface {
	Dial(ctx context.Context, sessionDir string, onEvent Handler) (Client, error)
}
