// ABOUTME: Tests for the crypto session collaborator
// ABOUTME: Covers open/seal/open round trips, missing keys, and idempotent close

package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestOpenSessionRoundTrip(t *testing.T) {
	s, err := OpenSession(testKey)
	require.NoError(t, err)
	require.True(t, s.HasSession())

	sealed, err := s.Seal([]byte("consent granted"))
	require.NoError(t, err)
	require.NotEqual(t, []byte("consent granted"), sealed)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("consent granted"), plain)
}

func TestOpenSessionEmptyKeyHasNoSession(t *testing.T) {
	s, err := OpenSession("")
	require.NoError(t, err)
	require.False(t, s.HasSession())

	_, err = s.Seal([]byte("x"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestOpenSessionRejectsBadKeys(t *testing.T) {
	_, err := OpenSession("not-hex")
	require.Error(t, err)

	short := hex.EncodeToString([]byte("short"))
	_, err = OpenSession(short)
	require.Error(t, err)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	s, err := OpenSession(testKey)
	require.NoError(t, err)

	require.NoError(t, s.CloseSession())
	require.False(t, s.HasSession())

	// A second close must not fail.
	require.NoError(t, s.CloseSession())

	_, err = s.Seal([]byte("x"))
	require.ErrorIs(t, err, ErrNoSession)
	_, err = s.Open([]byte("xxxxxxxxxxxxxxxxxxxxxxxx"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	s, err := OpenSession(testKey)
	require.NoError(t, err)

	_, err = s.Open([]byte("tiny"))
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}
