package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// Encrypted maFile container. The body is the JSON maFile sealed with
// AES-256-GCM under a PBKDF2 key.
type vaultFile struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Iterations int    `json:"iterations"`
	Ciphertext []byte `json:"ciphertext"`
}

const (
	vaultVersion    = 1
	vaultIterations = 50000
	vaultSaltLen    = 16
	vaultKeyLen     = 32
)

var ErrBadPassphrase = errors.New("secrets: wrong passphrase or corrupted vault")

func deriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, vaultKeyLen, sha256.New)
}

// SaveEncrypted seals the maFile under passphrase and writes it atomically.
func SaveEncrypted(path string, m *MobileAuth, passphrase string) error {
	if passphrase == "" {
		return errors.New("secrets: empty passphrase")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(m)
	if err != nil {
		return err
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}

	aead, err := newAEAD(passphrase, salt, vaultIterations)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	vf := vaultFile{
		Version:    vaultVersion,
		Salt:       salt,
		Nonce:      nonce,
		Iterations: vaultIterations,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}
	b, err := json.MarshalIndent(vf, "", "  ")
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

// LoadEncrypted opens a vault written by SaveEncrypted.
func LoadEncrypted(path, passphrase string) (*MobileAuth, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	var vf vaultFile
	if err := json.Unmarshal(b, &vf); err != nil {
		return nil, fmt.Errorf("secrets: parse vault %s: %w", path, err)
	}
	if vf.Version != vaultVersion {
		return nil, fmt.Errorf("secrets: unsupported vault version %d", vf.Version)
	}
	if vf.Iterations <= 0 {
		return nil, fmt.Errorf("secrets: vault missing kdf iterations")
	}

	aead, err := newAEAD(passphrase, vf.Salt, vf.Iterations)
	if err != nil {
		return nil, err
	}
	if len(vf.Nonce) != aead.NonceSize() {
		return nil, ErrBadPassphrase
	}
	plaintext, err := aead.Open(nil, vf.Nonce, vf.Ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	var m MobileAuth
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("secrets: vault payload: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func newAEAD(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt, iterations))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
