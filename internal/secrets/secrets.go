// Package secrets loads the mobile authenticator secrets (maFile) an account
// needs to log in and approve confirmations.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"steamhelper/internal/guard"
	"steamhelper/internal/steamid"
)

// MobileAuth holds the secrets enrolled on the account's virtual device.
// Field names follow the maFile layout written by authenticator tools.
type MobileAuth struct {
	AccountName    string `json:"account_name"`
	SharedSecret   string `json:"shared_secret"`
	IdentitySecret string `json:"identity_secret"`
	DeviceID       string `json:"device_id,omitempty"`
	SteamID        uint64 `json:"steamid,omitempty"`
	RevocationCode string `json:"revocation_code,omitempty"`
}

// Validate checks both secrets decode and fills DeviceID when the maFile
// omits it.
func (m *MobileAuth) Validate() error {
	if m.AccountName == "" {
		return errors.New("secrets: account_name missing")
	}
	if _, err := guard.GenerateCode(m.SharedSecret, zeroTime()); err != nil {
		return fmt.Errorf("secrets: shared_secret: %w", err)
	}
	if _, err := guard.ConfirmationKey(m.IdentitySecret, zeroTime(), guard.TagList); err != nil {
		return fmt.Errorf("secrets: identity_secret: %w", err)
	}
	if m.DeviceID == "" {
		m.DeviceID = guard.DeviceID(m.SharedSecret)
	}
	return nil
}

func zeroTime() time.Time { return time.Unix(0, 0) }

// AccountSteamID returns the enrolled SteamID64, zero when unknown.
func (m *MobileAuth) AccountSteamID() steamid.SteamID {
	return steamid.SteamID(m.SteamID)
}

// String redacts the secrets. The raw values must never reach a log line.
func (m *MobileAuth) String() string {
	return fmt.Sprintf("MobileAuth{account=%s steamid=%d secrets=redacted}", m.AccountName, m.SteamID)
}

// Load reads and validates a cleartext maFile.
func Load(path string) (*MobileAuth, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	var m MobileAuth
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the maFile atomically with owner-only permissions.
func Save(path string, m *MobileAuth) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
