package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeJID(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare digits", "6281234567890", "6281234567890@s.whatsapp.net", true},
		{"bare digits with whitespace", "  6281234567890 ", "6281234567890@s.whatsapp.net", true},
		{"full user jid", "6281234567890@s.whatsapp.net", "6281234567890@s.whatsapp.net", true},
		{"group jid", "120363-4567@g.us", "120363-4567@g.us", true},
		{"broadcast jid", "status@broadcast", "status@broadcast", true},
		{"empty", "", "", false},
		{"leading zero", "0812345678", "", false},
		{"plus prefix", "+6281234567890", "", false},
		{"too short", "123456", "", false},
		{"too long", "1234567890123456", "", false},
		{"letters", "abcdefgh", "", false},
		{"unknown domain", "user@example.com", "", false},
		{"empty local part", "@s.whatsapp.net", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeJID(tc.input)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidJID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsGroupJID(t *testing.T) {
	assert.True(t, IsGroupJID("1203634567@g.us"))
	assert.False(t, IsGroupJID("6281234567890@s.whatsapp.net"))
	assert.False(t, IsGroupJID("status@broadcast"))
}

func TestKnownMessageType(t *testing.T) {
	for _, typ := range []string{"text", "media", "location", "contact", "reaction", "poll", "delete"} {
		assert.True(t, KnownMessageType(typ), typ)
	}
	assert.False(t, KnownMessageType("sticker"))
	assert.False(t, KnownMessageType(""))
}

func TestEventTypeInternal(t *testing.T) {
	assert.True(t, EventQR.Internal())
	assert.True(t, EventPairSuccess.Internal())
	assert.True(t, EventLoggedOut.Internal())
	assert.False(t, EventMessageReceived.Internal())
	assert.False(t, EventDeviceConnected.Internal())
}
