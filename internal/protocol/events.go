package protocol

import (
	"encoding/json"
	"time"
)

// EventType is a protocol event token. The webhook-facing tokens are
// part of the external contract; the internal ones drive the lifecycle
// engine and never leave the process.
type EventType string

const (
	EventMessageReceived    EventType = "message.received"
	EventMessageUpdated     EventType = "message.updated"
	EventMessageDeleted     EventType = "message.deleted"
	EventReceiptDelivery    EventType = "receipt.delivery"
	EventReceiptRead        EventType = "receipt.read"
	EventDeviceConnected    EventType = "device.connected"
	EventDeviceDisconnected EventType = "device.disconnected"
	EventGroupCreated       EventType = "group.created"
	EventGroupUpdated       EventType = "group.updated"
	EventGroupDeleted       EventType = "group.deleted"
	EventParticipantAdded   EventType = "participant.added"
	EventParticipantRemoved EventType = "participant.removed"
	EventContactUpdated     EventType = "contact.updated"

	// Derived-cache events; persisted but usually not subscribed to.
	EventChatUpserted EventType = "chat.upserted"
	EventChatUpdated  EventType = "chat.updated"
	EventChatDeleted  EventType = "chat.deleted"

	// Internal signals, never fanned out to webhooks.
	EventQR                 EventType = "qr"
	EventPairSuccess        EventType = "pair.success"
	EventCredentialsUpdated EventType = "credentials.updated"
	EventLoggedOut          EventType = "logged_out"
)

// Internal reports whether an event stays inside the process.
func (t EventType) Internal() bool {
	switch t {
	case EventQR, EventPairSuccess, EventCredentialsUpdated, EventLoggedOut:
		return true
	}
	return false
}

// Event is one occurrence emitted by the protocol socket. Data is the
// client's own JSON and is carried opaquely end to end; typed fields
// cover only what the gateway itself needs to route and persist.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Message routing fields, set for message and receipt events.
	MessageID   string
	ChatJID     string
	SenderJID   string
	MessageType string

	// QR pairing fields, set for EventQR.
	QRCode    string
	ExpiresAt time.Time

	// Opaque payload from the protocol client.
	Data json.RawMessage
}
