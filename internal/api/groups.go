package api

import (
	"net/http"
	"strings"

	"github.com/rijan/wa-gateway/internal/protocol"
)

// normalizeParticipants expands each entry to a full user JID; one bad
// entry fails the whole request.
func normalizeParticipants(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		jid, err := protocol.NormalizeJID(p)
		if err != nil {
			return nil, err
		}
		out = append(out, jid)
	}
	return out, nil
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	var body struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if err := decode(r, &body); err != nil || strings.TrimSpace(body.Name) == "" {
		fail(w, r, http.StatusBadRequest, KindValidation, "name is required")
		return
	}
	participants, err := normalizeParticipants(body.Participants)
	if err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "invalid participant identifier")
		return
	}

	groupJID, err := s.engine.CreateGroup(r.Context(), device.ID, strings.TrimSpace(body.Name), participants)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"groupJid": groupJID})
}

func (s *Server) handleGroupParticipants(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, err := s.ownedDevice(r)
		if err != nil {
			s.failErr(w, r, err)
			return
		}

		var body struct {
			GroupJID     string   `json:"groupJid"`
			Participants []string `json:"participants"`
		}
		if err := decode(r, &body); err != nil || body.GroupJID == "" || len(body.Participants) == 0 {
			fail(w, r, http.StatusBadRequest, KindValidation, "groupJid and participants are required")
			return
		}
		if !protocol.IsGroupJID(body.GroupJID) {
			fail(w, r, http.StatusBadRequest, KindValidation, "groupJid is not a group identifier")
			return
		}
		participants, err := normalizeParticipants(body.Participants)
		if err != nil {
			fail(w, r, http.StatusBadRequest, KindValidation, "invalid participant identifier")
			return
		}

		if err := s.engine.UpdateGroupParticipants(r.Context(), device.ID, body.GroupJID, participants, add); err != nil {
			s.failErr(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{
			"groupJid":     body.GroupJID,
			"participants": participants,
		})
	}
}

func (s *Server) handleGetPrivacy(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	settings, err := s.engine.PrivacySettings(r.Context(), device.ID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, settings)
}

func (s *Server) handleSetPrivacy(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := decode(r, &body); err != nil || body.Name == "" || body.Value == "" {
		fail(w, r, http.StatusBadRequest, KindValidation, "name and value are required")
		return
	}

	if err := s.engine.SetPrivacySetting(r.Context(), device.ID, body.Name, body.Value); err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{body.Name: body.Value})
}
