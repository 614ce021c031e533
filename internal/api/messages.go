package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/ratelimit"
	"github.com/rijan/wa-gateway/internal/safeurl"
	"github.com/rijan/wa-gateway/internal/store"
)

// sendRequest is the superset of all message bodies; each message type
// validates its own slice of it. The raw body is what gets persisted as
// the outbox payload, so type-specific fields survive untouched.
type sendRequest struct {
	To             string   `json:"to"`
	Text           string   `json:"text"`
	MediaURL       string   `json:"mediaUrl"`
	Caption        string   `json:"caption"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	ContactName    string   `json:"contactName"`
	ContactPhone   string   `json:"contactPhone"`
	MessageID      string   `json:"messageId"`
	Emoji          string   `json:"emoji"`
	Name           string   `json:"name"`
	Options        []string `json:"options"`
	IdempotencyKey string   `json:"idempotencyKey"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	kind := mux.Vars(r)["kind"]

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "body too large or unreadable")
		return
	}
	var req sendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "malformed body")
		return
	}

	jid, err := protocol.NormalizeJID(req.To)
	if err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "invalid recipient identifier")
		return
	}
	if msg := validateSend(r.Context(), kind, &req); msg != "" {
		fail(w, r, http.StatusBadRequest, KindValidation, msg)
		return
	}

	if !s.engine.Connected(device.ID) {
		fail(w, r, http.StatusConflict, KindState, "device is not connected")
		return
	}

	if !s.admit(w, r, device.ID, kind) {
		return
	}

	row := &store.OutboxMessage{
		TenantID:    device.TenantID,
		DeviceID:    device.ID,
		JID:         jid,
		MessageType: kind,
		Payload:     raw,
	}
	if req.IdempotencyKey != "" {
		row.IdempotencyKey = &req.IdempotencyKey
	}

	msg, created, err := s.queue.Append(r.Context(), row)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respond(w, status, map[string]any{
		"id":     msg.ID,
		"status": msg.Status,
	})
}

// validateSend returns a validation message, or empty when the body is
// acceptable for the message type. Media URLs get the full SSRF check
// here, before any row is written.
func validateSend(ctx context.Context, kind string, req *sendRequest) string {
	switch kind {
	case protocol.TypeText:
		if req.Text == "" {
			return "text is required"
		}
	case protocol.TypeMedia:
		if req.MediaURL == "" {
			return "mediaUrl is required"
		}
		if err := safeurl.Validate(ctx, req.MediaURL); err != nil {
			return "mediaUrl rejected: " + err.Error()
		}
	case protocol.TypeLocation:
		if req.Latitude == nil || req.Longitude == nil {
			return "latitude and longitude are required"
		}
	case protocol.TypeContact:
		if req.ContactName == "" || req.ContactPhone == "" {
			return "contactName and contactPhone are required"
		}
	case protocol.TypeReaction:
		if req.MessageID == "" || req.Emoji == "" {
			return "messageId and emoji are required"
		}
	case protocol.TypePoll:
		if req.Name == "" || len(req.Options) < 2 {
			return "name and at least two options are required"
		}
	}
	return ""
}

// admit runs the rate limiter and writes the limit headers; a false
// return means the rejection response has already been sent.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, deviceID, kind string) bool {
	decision := s.limiter.Allow(deviceID, kind)
	writeRateHeaders(w, decision)
	if decision.Allowed {
		return true
	}
	s.metrics.RateLimited.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryIn.Seconds())+1))
	fail(w, r, http.StatusTooManyRequests, KindRateLimited, "too many messages, slow down")
	return false
}

// handleDeleteMessage enqueues a tombstone send for a previously sent
// message.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	original, err := s.store.GetOutboxMessage(r.Context(), device.TenantID, device.ID, mux.Vars(r)["id"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if original.WAMessageID == nil {
		fail(w, r, http.StatusConflict, KindState, "message was never sent")
		return
	}

	if !s.admit(w, r, device.ID, protocol.TypeDelete) {
		return
	}

	payload, err := json.Marshal(map[string]string{"messageId": *original.WAMessageID})
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	msg, _, err := s.queue.Append(r.Context(), &store.OutboxMessage{
		TenantID:    device.TenantID,
		DeviceID:    device.ID,
		JID:         original.JID,
		MessageType: protocol.TypeDelete,
		Payload:     payload,
	})
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{
		"id":     msg.ID,
		"status": msg.Status,
	})
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	msg, err := s.store.GetOutboxMessage(r.Context(), device.TenantID, device.ID, mux.Vars(r)["id"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, msg)
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}
