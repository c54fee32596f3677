package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EncryptionKeyEnvVar holds the passphrase that seals state at rest.
const EncryptionKeyEnvVar = "LAMPSTACK_STATE_ENCRYPTION_KEY"

const (
	sealedHeader = "# lampstack sealed state v1\n"
	sealedWidth  = 76
	keyContext   = "lampstack/state/v1\x00"
)

var (
	ErrNoKey         = fmt.Errorf("state is sealed but %s is not set", EncryptionKeyEnvVar)
	ErrSealedCorrupt = errors.New("sealed state is corrupt")
)

// Sealer encrypts state documents with AES-256-GCM under a key derived from
// a passphrase. A nil Sealer passes documents through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer returns nil for an empty passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(keyContext + passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func sealerFromEnv() (*Sealer, error) {
	return NewSealer(os.Getenv(EncryptionKeyEnvVar))
}

// IsSealed reports whether content was produced by Seal.
func IsSealed(content []byte) bool {
	return bytes.HasPrefix(content, []byte(sealedHeader))
}

// Seal encrypts doc. The output is text so it diffs and stores like the
// plain YAML it replaces.
func (s *Sealer) Seal(doc []byte) ([]byte, error) {
	if s == nil {
		return doc, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	raw := s.aead.Seal(nonce, nonce, doc, []byte(sealedHeader))
	enc := base64.StdEncoding.EncodeToString(raw)

	var buf bytes.Buffer
	buf.WriteString(sealedHeader)
	for len(enc) > 0 {
		n := min(sealedWidth, len(enc))
		buf.WriteString(enc[:n])
		buf.WriteByte('\n')
		enc = enc[n:]
	}
	return buf.Bytes(), nil
}

// Open reverses Seal. Content that is not sealed is returned as is, so
// turning encryption on does not strand existing state.
func (s *Sealer) Open(content []byte) ([]byte, error) {
	if !IsSealed(content) {
		return content, nil
	}
	if s == nil {
		return nil, ErrNoKey
	}
	body := strings.Join(strings.Fields(string(content[len(sealedHeader):])), "")
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealedCorrupt, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return nil, ErrSealedCorrupt
	}
	doc, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(sealedHeader))
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed state (wrong key?): %w", err)
	}
	return doc, nil
}
