// Package authstore owns the on-disk credential directories the
// protocol client writes its pairing material into. Layout:
//
//	{root}/{tenant_id}/{device_id}/...
//
// A legacy flat layout ({root}/{device_id}/) is migrated in place by
// atomic rename the first time it is resolved. The directory tree is
// the only source of truth for pairing material; the relational store
// keeps discovery metadata only.
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rijan/wa-gateway/internal/crypto"
)

// Store manages the sessions root.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("authstore: empty sessions root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the sessions root path.
func (s *Store) Root() string { return s.root }

// Resolve returns the credential directory for a device, creating it if
// absent. A legacy flat directory {root}/{device} is renamed into the
// tenant-scoped layout atomically before the path is handed out.
func (s *Store) Resolve(tenantID, deviceID string) (string, error) {
	if err := validateComponent(tenantID); err != nil {
		return "", err
	}
	if err := validateComponent(deviceID); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, tenantID, deviceID)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	legacy := filepath.Join(s.root, deviceID)
	if info, err := os.Stat(legacy); err == nil && info.IsDir() {
		if err := os.MkdirAll(filepath.Join(s.root, tenantID), 0o700); err != nil {
			return "", fmt.Errorf("create tenant dir: %w", err)
		}
		if err := os.Rename(legacy, dir); err != nil {
			return "", fmt.Errorf("migrate legacy session dir: %w", err)
		}
		return dir, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// Identity is the paired account extracted from the primary credentials
// file, mirrored into the store's device_sessions row.
type Identity struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
}

// Identity reads the primary credentials file, if pairing has produced
// one. Returns nil without error when the device is unpaired.
func (s *Store) Identity(tenantID, deviceID string) (*Identity, error) {
	dir, err := s.Resolve(tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, "creds.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &id, nil
}

// Delete removes a device's credential directory recursively. Used on
// logout; the next start forces re-pairing.
func (s *Store) Delete(tenantID, deviceID string) error {
	if err := validateComponent(tenantID); err != nil {
		return err
	}
	if err := validateComponent(deviceID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, tenantID, deviceID)); err != nil {
		return fmt.Errorf("delete session dir: %w", err)
	}
	return nil
}

// Entry is one discovered session directory.
type Entry struct {
	TenantID string
	DeviceID string
	Dir      string
}

// Scan enumerates existing session directories for boot recovery. Both
// layouts are reported: legacy flat entries come back with an empty
// TenantID and are migrated when the owning tenant is next resolved.
func (s *Store) Scan() ([]Entry, error) {
	top, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan sessions root: %w", err)
	}

	var out []Entry
	for _, t := range top {
		if !t.IsDir() {
			continue
		}
		if !strings.HasPrefix(t.Name(), "tenant_") {
			// Legacy flat layout: {root}/{device_id}.
			out = append(out, Entry{DeviceID: t.Name(), Dir: filepath.Join(s.root, t.Name())})
			continue
		}
		devices, err := os.ReadDir(filepath.Join(s.root, t.Name()))
		if err != nil {
			return nil, fmt.Errorf("scan tenant dir %s: %w", t.Name(), err)
		}
		for _, d := range devices {
			if !d.IsDir() {
				continue
			}
			out = append(out, Entry{
				TenantID: t.Name(),
				DeviceID: d.Name(),
				Dir:      filepath.Join(s.root, t.Name(), d.Name()),
			})
		}
	}
	return out, nil
}

// ExportSealed snapshots a device's credential files into one sealed
// blob for offline backup. This is optional at-rest protection; the
// live session files remain the primary storage.
func (s *Store) ExportSealed(keyring *crypto.Keyring, tenantID, deviceID string) ([]byte, error) {
	dir, err := s.Resolve(tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string][]byte)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		snapshot[rel] = raw
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot session dir: %w", err)
	}

	plain, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	blob, err := keyring.Seal(plain, []byte(tenantID+"/"+deviceID))
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob)
}

func validateComponent(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("authstore: invalid path component %q", name)
	}
	return nil
}
