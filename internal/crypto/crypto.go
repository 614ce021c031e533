// Package crypto implements the gateway's security primitives: the
// constant-time master-key check, signed tenant tokens, optional AEAD
// sealing of session blobs, and random id minting.
//
// All verification paths are constant time with respect to secret
// material and fail closed on malformed input.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrBadMasterReference = errors.New("master reference must be 64 hex characters")
	ErrSealCorrupt        = errors.New("sealed blob failed authentication")
)

// Keyring holds the provisioned master reference and derives every other
// key from it. The reference is the SHA-256 digest of the master key; the
// pre-image is only ever seen on incoming admin requests.
type Keyring struct {
	reference string
	refBytes  []byte
}

// NewKeyring validates the 64-hex master reference and builds a Keyring.
func NewKeyring(masterReference string) (*Keyring, error) {
	if len(masterReference) != 64 {
		return nil, ErrBadMasterReference
	}
	raw, err := hex.DecodeString(strings.ToLower(masterReference))
	if err != nil {
		return nil, ErrBadMasterReference
	}
	return &Keyring{reference: strings.ToLower(masterReference), refBytes: raw}, nil
}

// VerifyMaster hashes the submitted pre-image and compares it to the
// provisioned reference in constant time.
func (k *Keyring) VerifyMaster(plain string) bool {
	sum := sha256.Sum256([]byte(plain))
	digest := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(digest), []byte(k.reference)) == 1
}

// TokenVerification is the outcome of VerifyTenantToken.
type TokenVerification struct {
	Valid    bool
	Expired  bool
	TenantID string
}

// IssueTenantToken mints a five-part dotted token:
//
//	tenant_id . issued_at_ms . expires_at_ms . salt_hex . signature_hex
//
// The signature is HMAC-SHA256 over the first four parts, keyed by the
// decoded master reference bytes.
func (k *Keyring) IssueTenantToken(tenantID string, ttlDays int) (string, error) {
	if tenantID == "" || strings.Contains(tenantID, ".") {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	if ttlDays <= 0 {
		ttlDays = 365
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	now := time.Now()
	issued := now.UnixMilli()
	expires := now.Add(time.Duration(ttlDays) * 24 * time.Hour).UnixMilli()

	payload := fmt.Sprintf("%s.%d.%d.%s", tenantID, issued, expires, hex.EncodeToString(salt))
	return payload + "." + k.sign(payload), nil
}

// VerifyTenantToken checks format, expiry and signature. Expiry is
// reported separately so callers can tell clients to rotate.
func (k *Keyring) VerifyTenantToken(token string) TokenVerification {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return TokenVerification{}
	}
	tenantID := parts[0]

	expiresMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TokenVerification{}
	}

	payload := strings.Join(parts[:4], ".")
	want := k.sign(payload)
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[4])) != 1 {
		return TokenVerification{}
	}
	if time.Now().UnixMilli() > expiresMs {
		return TokenVerification{Expired: true, TenantID: tenantID}
	}
	return TokenVerification{Valid: true, TenantID: tenantID}
}

// TokenFingerprint returns the stable digest persisted as api_key_hash.
// The raw token never touches the store.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (k *Keyring) sign(payload string) string {
	mac := hmac.New(sha256.New, k.refBytes)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SealedBlob is the versioned output of Seal. The AEAD tag is appended to
// the ciphertext, as chacha20poly1305 produces it.
type SealedBlob struct {
	Version    int    `json:"version"`
	Nonce      []byte `json:"nonce"`
	Salt       []byte `json:"salt"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts plaintext under a key derived from the master reference
// and the given salt. Used for at-rest protection of session exports, not
// the primary credential path.
func (k *Keyring) Seal(plaintext, salt []byte) (*SealedBlob, error) {
	aead, err := k.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return &SealedBlob{
		Version:    1,
		Nonce:      nonce,
		Salt:       salt,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open reverses Seal. Any tampering yields ErrSealCorrupt.
func (k *Keyring) Open(blob *SealedBlob) ([]byte, error) {
	if blob == nil || blob.Version != 1 {
		return nil, ErrSealCorrupt
	}
	aead, err := k.aead(blob.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrSealCorrupt
	}
	return plain, nil
}

func (k *Keyring) aead(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, k.refBytes, salt, []byte("rijan-wa session seal v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// MintID returns a 128-bit random id in lower hex, optionally prefixed
// ("tenant" → "tenant_ab12..."). Prefixes exist for human debuggability
// only and are never parsed.
func MintID(prefix string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot mint identity at all.
		panic(fmt.Sprintf("crypto: rand.Read failed: %v", err))
	}
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// SignPayload creates the lowercase-hex HMAC-SHA256 signature carried on
// webhook deliveries.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
