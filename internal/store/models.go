package store

// Row types for every table the gateway owns. Timestamps are integer
// seconds since epoch unless the field name says otherwise; ids are
// opaque strings minted by the crypto package.

// Tenant statuses. A deleted tenant is a tombstone and is filtered from
// every read path.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
	TenantDeleted   = "deleted"
)

// Device statuses, owned by the lifecycle engine.
const (
	DeviceDisconnected = "disconnected"
	DeviceConnecting   = "connecting"
	DevicePairing      = "pairing"
	DeviceNeedsPairing = "needs_pairing"
	DeviceConnected    = "connected"
	DeviceFailed       = "failed"
)

// Outbox statuses. The happy path is monotonic:
// pending → queued → sending → sent → delivered → read.
const (
	OutboxPending   = "pending"
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxSent      = "sent"
	OutboxDelivered = "delivered"
	OutboxRead      = "read"
	OutboxFailed    = "failed"
	OutboxExpired   = "expired"
)

// outboxRank orders statuses along the happy path so receipt updates can
// never move a message backwards.
var outboxRank = map[string]int{
	OutboxPending:   0,
	OutboxQueued:    1,
	OutboxSending:   2,
	OutboxSent:      3,
	OutboxDelivered: 4,
	OutboxRead:      5,
}

type Tenant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	APIKeyHash string `json:"-"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type Device struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenantId"`
	Label       string  `json:"label"`
	PhoneNumber *string `json:"phoneNumber,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   int64   `json:"createdAt"`
	LastSeen    *int64  `json:"lastSeen,omitempty"`
}

// DeviceSession is a discovery record pointing at the credential
// directory; the pairing material itself lives on disk under SessionDir
// and never enters the store.
type DeviceSession struct {
	DeviceID    string  `json:"deviceId"`
	TenantID    *string `json:"tenantId,omitempty"`
	SessionKind string  `json:"sessionKind"`
	SessionDir  string  `json:"sessionDir"`
	WAJID       *string `json:"waJid,omitempty"`
	WAName      *string `json:"waName,omitempty"`
	UpdatedAt   int64   `json:"updatedAt"`
}

type OutboxMessage struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenantId"`
	DeviceID       string  `json:"deviceId"`
	JID            string  `json:"jid"`
	MessageType    string  `json:"messageType"`
	Payload        []byte  `json:"payload"`
	Status         string  `json:"status"`
	Retries        int     `json:"retries"`
	ErrorMessage   *string `json:"errorMessage,omitempty"`
	IdempotencyKey *string `json:"idempotencyKey,omitempty"`
	WAMessageID    *string `json:"waMessageId,omitempty"`
	CreatedAt      int64   `json:"createdAt"`
	UpdatedAt      int64   `json:"updatedAt"`
	SentAt         *int64  `json:"sentAt,omitempty"`
	// NextAttemptAt gates re-delivery after a transient failure.
	NextAttemptAt int64 `json:"-"`
}

type InboxMessage struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	DeviceID    string `json:"deviceId"`
	JID         string `json:"jid"`
	MessageID   string `json:"messageId"`
	MessageType string `json:"messageType"`
	Payload     []byte `json:"payload"`
	ReceivedAt  int64  `json:"receivedAt"`
}

type EventLog struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	DeviceID   string `json:"deviceId"`
	EventType  string `json:"eventType"`
	Payload    []byte `json:"payload"`
	ReceivedAt int64  `json:"receivedAt"`
}

type Webhook struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenantId"`
	URL        string   `json:"url"`
	Secret     string   `json:"-"`
	Events     []string `json:"events"`
	Enabled    bool     `json:"enabled"`
	RetryCount int      `json:"retryCount"`
	TimeoutMs  int      `json:"timeoutMs"`
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

type WebhookLog struct {
	ID         string  `json:"id"`
	WebhookID  string  `json:"webhookId"`
	EventID    *string `json:"eventId,omitempty"`
	StatusCode *int    `json:"statusCode,omitempty"`
	Attempts   int     `json:"attempts"`
	LastError  *string `json:"lastError,omitempty"`
	SentAt     *int64  `json:"sentAt,omitempty"`
}

type DeadLetter struct {
	ID           string `json:"id"`
	WebhookID    string `json:"webhookId"`
	EventPayload []byte `json:"eventPayload"`
	Reason       string `json:"reason"`
	CreatedAt    int64  `json:"createdAt"`
}

type DeviceLock struct {
	DeviceID   string `json:"deviceId"`
	InstanceID string `json:"instanceId"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type AuditLog struct {
	ID           string  `json:"id"`
	TenantID     *string `json:"tenantId,omitempty"`
	Actor        string  `json:"actor"`
	Action       string  `json:"action"`
	ResourceType *string `json:"resourceType,omitempty"`
	ResourceID   *string `json:"resourceId,omitempty"`
	Meta         *string `json:"meta,omitempty"`
	IPAddress    *string `json:"ipAddress,omitempty"`
	UserAgent    *string `json:"userAgent,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

// Chat is a derived cache populated from chat upsert/update/delete
// protocol events; it backs the read-only chats endpoint.
type Chat struct {
	DeviceID      string  `json:"deviceId"`
	TenantID      string  `json:"tenantId"`
	JID           string  `json:"jid"`
	Name          *string `json:"name,omitempty"`
	LastMessageAt *int64  `json:"lastMessageAt,omitempty"`
	UnreadCount   int     `json:"unreadCount"`
	Archived      bool    `json:"archived"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// LIDMapping maps a protocol LID identity to a phone JID for a device.
type LIDMapping struct {
	DeviceID  string `json:"deviceId"`
	LID       string `json:"lid"`
	PhoneJID  string `json:"phoneJid"`
	UpdatedAt int64  `json:"updatedAt"`
}
