// ABOUTME: Tests for the shared runtime context
// ABOUTME: Covers consumer registration, state transitions, and panic protection

package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/crypto"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newTestContext(t *testing.T, hexKey string) *Context {
	t.Helper()
	session, err := crypto.OpenSession(hexKey)
	require.NoError(t, err)
	return NewContext(broker.NewMemoryClient(), session, broker.Topics("test"))
}

func TestContextStateTransitions(t *testing.T) {
	rc := newTestContext(t, testKey)

	require.Equal(t, StateStarting, rc.State())
	require.True(t, rc.Accepting())

	rc.SetState(StateRunning)
	require.True(t, rc.Accepting())

	rc.SetState(StateDraining)
	require.False(t, rc.Accepting())

	rc.SetState(StateTerminating)
	require.False(t, rc.Accepting())

	rc.SetState(StateStopped)
	require.Equal(t, "stopped", rc.State().String())
}

func TestContextConsumerRegistry(t *testing.T) {
	rc := newTestContext(t, testKey)
	require.Empty(t, rc.ActiveConsumers())

	c1, err := rc.Broker().Subscribe(context.Background(), rc.Topics().Sync)
	require.NoError(t, err)
	c2, err := rc.Broker().Subscribe(context.Background(), rc.Topics().BrandSearch)
	require.NoError(t, err)

	rc.RegisterConsumer(c1)
	rc.RegisterConsumer(c2)
	require.Len(t, rc.ActiveConsumers(), 2)

	rc.CloseConsumers()
	require.Empty(t, rc.ActiveConsumers())

	// Second close finds nothing to do.
	rc.CloseConsumers()
}

func TestContextCryptoSession(t *testing.T) {
	rc := newTestContext(t, testKey)
	require.True(t, rc.HasCryptoSession())

	require.NoError(t, rc.CloseCryptoSession())
	require.False(t, rc.HasCryptoSession())

	// Closing again must not re-close the session.
	require.NoError(t, rc.CloseCryptoSession())
}

func TestContextMissingSession(t *testing.T) {
	rc := newTestContext(t, "")
	require.False(t, rc.HasCryptoSession())
	require.NoError(t, rc.CloseCryptoSession())
}

func TestProtectRecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	require.NotPanics(t, func() {
		Protect(logger, "test-loop", func() {
			panic("boom")
		})
	})
	require.Contains(t, buf.String(), "recovered panic")
	require.Contains(t, buf.String(), "boom")
}
