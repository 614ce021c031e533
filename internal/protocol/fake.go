package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CredsFile is the primary credentials file the client keeps in its
// session directory. The fake writes the same shape the auth store
// reads for identity extraction.
const CredsFile = "creds.json"

type fakeCreds struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
}

// FakeDialer builds in-memory clients. It backs unit tests and the
// development boot path when no real protocol client is wired in.
type FakeDialer struct {
	mu      sync.Mutex
	clients map[string]*FakeClient

	// SendErr, when set, is returned by every Send on dialed clients.
	SendErr error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{clients: make(map[string]*FakeClient)}
}

// Dial returns the client bound to sessionDir, creating it on first
// use. Re-dialing the same directory reuses pairing state, mirroring a
// real client re-reading its credential files.
func (d *FakeDialer) Dial(_ context.Context, sessionDir string, onEvent Handler) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[sessionDir]
	if !ok {
		c = &FakeClient{dir: sessionDir, dialer: d}
		d.clients[sessionDir] = c
	}
	c.mu.Lock()
	c.onEvent = onEvent
	c.mu.Unlock()
	return c, nil
}

// Client returns the fake bound to a session directory, for tests that
// need to poke it directly.
func (d *FakeDialer) Client(sessionDir string) *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[sessionDir]
}

// SentMessage records one dispatched send.
type SentMessage struct {
	JID     string
	Message Message
}

// FakeClient is an in-memory protocol client. Pairing state persists in
// the session directory as a creds.json file so restarts behave like
// the real thing.
type FakeClient struct {
	mu        sync.Mutex
	dir       string
	dialer    *FakeDialer
	connected bool
	onEvent   Handler
	sends     []SentMessage
}

func (c *FakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	paired := c.pairedLocked()
	handler := c.onEvent
	c.mu.Unlock()

	if paired {
		c.emit(handler, Event{Type: EventDeviceConnected, Timestamp: time.Now()})
		return nil
	}
	// Unpaired sessions stream QR codes until scanned.
	c.emit(handler, Event{
		Type:      EventQR,
		Timestamp: time.Now(),
		QRCode:    fmt.Sprintf("fake-qr-%d", rand.Int63()),
		ExpiresAt: time.Now().Add(60 * time.Second),
	})
	return nil
}

func (c *FakeClient) Disconnect() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	handler := c.onEvent
	c.mu.Unlock()
	if was {
		c.emit(handler, Event{Type: EventDeviceDisconnected, Timestamp: time.Now()})
	}
}

func (c *FakeClient) Logout(ctx context.Context) error {
	c.Disconnect()
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Remove(filepath.Join(c.dir, CredsFile))
}

func (c *FakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeClient) IsPaired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairedLocked()
}

func (c *FakeClient) pairedLocked() bool {
	_, err := os.Stat(filepath.Join(c.dir, CredsFile))
	return err == nil
}

func (c *FakeClient) Identity() (Identity, bool) {
	raw, err := os.ReadFile(filepath.Join(c.dir, CredsFile))
	if err != nil {
		return Identity{}, false
	}
	var creds fakeCreds
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Identity{}, false
	}
	return Identity{JID: creds.JID, Name: creds.Name}, true
}

func (c *FakeClient) PairPhone(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", ErrNotConnected
	}
	return "ABCD-1234", nil
}

// CompletePairing simulates a QR scan or code entry: it persists the
// credentials file and emits the pairing events.
func (c *FakeClient) CompletePairing(jid, name string) error {
	raw, err := json.Marshal(fakeCreds{JID: jid, Name: name})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.dir, CredsFile), raw, 0o600); err != nil {
		return err
	}
	c.mu.Lock()
	handler := c.onEvent
	c.mu.Unlock()
	c.emit(handler, Event{Type: EventPairSuccess, Timestamp: time.Now()})
	c.emit(handler, Event{Type: EventCredentialsUpdated, Timestamp: time.Now()})
	c.emit(handler, Event{Type: EventDeviceConnected, Timestamp: time.Now()})
	return nil
}

func (c *FakeClient) Send(ctx context.Context, jid string, msg Message) (*SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialer != nil && c.dialer.SendErr != nil {
		return nil, c.dialer.SendErr
	}
	if !c.connected {
		return nil, ErrNotConnected
	}
	if !c.pairedLocked() {
		return nil, ErrNotPaired
	}
	c.sends = append(c.sends, SentMessage{JID: jid, Message: msg})

	buf := make([]byte, 8)
	rand.Read(buf)
	return &SendResult{MessageID: "3EB0" + hex.EncodeToString(buf), Timestamp: time.Now()}, nil
}

// Sends returns a copy of every message dispatched through this client.
func (c *FakeClient) Sends() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sends))
	copy(out, c.sends)
	return out
}

// Emit injects an arbitrary event, as if the socket produced it.
func (c *FakeClient) Emit(ev Event) {
	c.mu.Lock()
	handler := c.onEvent
	c.mu.Unlock()
	c.emit(handler, ev)
}

func (c *FakeClient) CreateGroup(ctx context.Context, name string, participants []string) (string, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}
	buf := make([]byte, 6)
	rand.Read(buf)
	return hex.EncodeToString(buf) + "@" + GroupServer, nil
}

func (c *FakeClient) UpdateGroupParticipants(ctx context.Context, groupJID string, participants []string, add bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *FakeClient) PrivacySettings(ctx context.Context) (map[string]string, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return map[string]string{
		"last_seen":     "contacts",
		"profile":       "everyone",
		"read_receipts": "enabled",
	}, nil
}

func (c *FakeClient) SetPrivacySetting(ctx context.Context, name, value string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *FakeClient) emit(handler Handler, ev Event) {
	if handler != nil {
		handler(ev)
	}
}
