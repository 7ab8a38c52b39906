// ABOUTME: Crypto-session collaborator guarding daemon startup
// ABOUTME: ChaCha20-Poly1305 sealer opened from a configured key, closed once at shutdown

package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Session errors
var (
	// ErrNoSession is returned by Seal/Open when the session is absent or
	// has been closed.
	ErrNoSession = errors.New("no crypto session")
	// ErrCiphertextTooShort indicates a payload shorter than the nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Session is the cryptographic collaborator the daemon depends on. The
// lifecycle controller checks HasSession exactly once at startup and calls
// CloseSession exactly once at shutdown.
type Session interface {
	HasSession() bool
	CloseSession() error
	// Seal encrypts a response payload before it leaves the daemon.
	Seal(plaintext []byte) ([]byte, error)
	// Open decrypts a payload sealed by this session.
	Open(ciphertext []byte) ([]byte, error)
}

// AEADSession implements Session with ChaCha20-Poly1305. The random nonce
// is prepended to each sealed payload.
type AEADSession struct {
	mu     sync.Mutex
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	closed bool
}

// OpenSession builds a session from a hex-encoded 32-byte key. An empty
// key returns a session whose HasSession reports false, which trips the
// startup fail-fast guard.
func OpenSession(hexKey string) (*AEADSession, error) {
	if hexKey == "" {
		return &AEADSession{closed: true}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding crypto key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &AEADSession{aead: aead}, nil
}

// HasSession reports whether the session is open and usable.
func (s *AEADSession) HasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.aead != nil
}

// CloseSession discards the cipher. Closing an already-closed session is a
// no-op so the shutdown protocol stays idempotent.
func (s *AEADSession) CloseSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.aead = nil
	return nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (s *AEADSession) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.aead == nil {
		return nil, ErrNoSession
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (s *AEADSession) Open(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.aead == nil {
		return nil, ErrNoSession
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed payload: %w", err)
	}
	return plaintext, nil
}
