package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T, preimage string) *Keyring {
	t.Helper()
	sum := sha256.Sum256([]byte(preimage))
	k, err := NewKeyring(hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	return k
}

func TestNewKeyringRejectsBadReference(t *testing.T) {
	cases := []string{
		"",
		"abc",
		strings.Repeat("g", 64),
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
	}
	for _, ref := range cases {
		_, err := NewKeyring(ref)
		assert.ErrorIs(t, err, ErrBadMasterReference, "reference %q", ref)
	}
}

func TestVerifyMaster(t *testing.T) {
	k := testKeyring(t, "admin")
	assert.True(t, k.VerifyMaster("admin"))
	assert.False(t, k.VerifyMaster("Admin"))
	assert.False(t, k.VerifyMaster(""))
	assert.False(t, k.VerifyMaster("admin "))
}

func TestTenantTokenRoundTrip(t *testing.T) {
	k := testKeyring(t, "admin")

	token, err := k.IssueTenantToken("tenant_abc123", 30)
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "."), 5)

	check := k.VerifyTenantToken(token)
	assert.True(t, check.Valid)
	assert.False(t, check.Expired)
	assert.Equal(t, "tenant_abc123", check.TenantID)
}

func TestTenantTokenBitFlip(t *testing.T) {
	k := testKeyring(t, "admin")
	token, err := k.IssueTenantToken("tenant_abc123", 30)
	require.NoError(t, err)

	// Flip one nibble of the signature part.
	parts := strings.Split(token, ".")
	sig := []byte(parts[4])
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	parts[4] = string(sig)
	check := k.VerifyTenantToken(strings.Join(parts, "."))
	assert.False(t, check.Valid)
}

func TestTenantTokenMalformed(t *testing.T) {
	k := testKeyring(t, "admin")
	for _, tok := range []string{"", "a.b", "a.b.c.d", "a.b.c.d.e.f", "tenant.x.y.z.w"} {
		check := k.VerifyTenantToken(tok)
		assert.False(t, check.Valid, "token %q", tok)
	}
}

func TestTenantTokenExpired(t *testing.T) {
	k := testKeyring(t, "admin")

	// Hand-build a token that expired an hour ago, with a valid
	// signature.
	expired := strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)
	payload := "tenant_old.0." + expired + "." + strings.Repeat("ab", 16)
	token := payload + "." + k.sign(payload)

	check := k.VerifyTenantToken(token)
	assert.False(t, check.Valid)
	assert.True(t, check.Expired)
	assert.Equal(t, "tenant_old", check.TenantID)
}

func TestTokenFingerprintStable(t *testing.T) {
	a := TokenFingerprint("token-one")
	b := TokenFingerprint("token-one")
	c := TokenFingerprint("token-two")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestSealOpen(t *testing.T) {
	k := testKeyring(t, "admin")
	plain := []byte(`{"creds":"secret material"}`)
	salt := []byte("tenant_a/device_b")

	blob, err := k.Seal(plain, salt)
	require.NoError(t, err)
	assert.Equal(t, 1, blob.Version)
	assert.NotEqual(t, plain, blob.Ciphertext)

	got, err := k.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenRejectsTampering(t *testing.T) {
	k := testKeyring(t, "admin")
	blob, err := k.Seal([]byte("payload"), []byte("salt"))
	require.NoError(t, err)

	blob.Ciphertext[0] ^= 0x01
	_, err = k.Open(blob)
	assert.ErrorIs(t, err, ErrSealCorrupt)

	_, err = k.Open(nil)
	assert.ErrorIs(t, err, ErrSealCorrupt)
}

func TestOpenRejectsWrongKeyring(t *testing.T) {
	a := testKeyring(t, "admin")
	b := testKeyring(t, "other")

	blob, err := a.Seal([]byte("payload"), []byte("salt"))
	require.NoError(t, err)
	_, err = b.Open(blob)
	assert.ErrorIs(t, err, ErrSealCorrupt)
}

func TestMintID(t *testing.T) {
	id := MintID("tenant")
	assert.True(t, strings.HasPrefix(id, "tenant_"))
	assert.Len(t, strings.TrimPrefix(id, "tenant_"), 32)

	bare := MintID("")
	assert.Len(t, bare, 32)
	assert.NotEqual(t, MintID("x"), MintID("x"))
}

func TestSignPayload(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, SignPayload([]byte(`{"a":1}`), "secret"))
	assert.NotEqual(t, sig, SignPayload([]byte(`{"a":2}`), "secret"))
	assert.NotEqual(t, sig, SignPayload([]byte(`{"a":1}`), "other"))
}
