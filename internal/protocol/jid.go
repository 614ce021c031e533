package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// JID domains understood by the chat protocol.
const (
	UserServer      = "s.whatsapp.net"
	GroupServer     = "g.us"
	BroadcastServer = "broadcast"
)

var ErrInvalidJID = errors.New("invalid recipient identifier")

// NormalizeJID canonicalizes a recipient identifier. Accepted forms:
//
//   - bare international digits (no "+", no leading zero) → expanded to
//     <digits>@s.whatsapp.net
//   - a full <local>@<domain> JID with a known domain
//
// Anything else is rejected.
func NormalizeJID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrInvalidJID
	}

	if local, domain, ok := strings.Cut(input, "@"); ok {
		if local == "" {
			return "", ErrInvalidJID
		}
		switch domain {
		case UserServer, GroupServer, BroadcastServer:
			return local + "@" + domain, nil
		}
		return "", fmt.Errorf("%w: unknown domain %q", ErrInvalidJID, domain)
	}

	if !isBareDigits(input) {
		return "", fmt.Errorf("%w: %q is neither digits nor a JID", ErrInvalidJID, input)
	}
	return input + "@" + UserServer, nil
}

// IsGroupJID reports whether a normalized JID addresses a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

func isBareDigits(s string) bool {
	if len(s) < 7 || len(s) > 15 || s[0] == '0' {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
