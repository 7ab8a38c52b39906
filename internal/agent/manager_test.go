// ABOUTME: Tests for the agent pool manager and the receive loop
// ABOUTME: Covers end-to-end consume/respond/ack, drain behavior, and failure policies

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/config"
	"github.com/meridian-io/consentd/internal/crypto"
	"github.com/meridian-io/consentd/internal/runtime"
	"github.com/meridian-io/consentd/internal/store"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fixture struct {
	rc      *runtime.Context
	client  *broker.MemoryClient
	store   *store.Store
	session *crypto.AEADSession
	pool    *ResponsePool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := broker.NewMemoryClient()
	session, err := crypto.OpenSession(testKey)
	require.NoError(t, err)
	st, err := store.Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rc := runtime.NewContext(client, session, broker.Topics("test"))
	rc.SetState(runtime.StateRunning)
	pool := NewResponsePool(4, slog.Default())
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	return &fixture{rc: rc, client: client, store: st, session: session, pool: pool}
}

// waitForBacklog polls until the topic backlog reaches want or the timeout
// expires.
func waitForBacklog(t *testing.T, client broker.Client, topic broker.Topic, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		n, err := client.Backlog(context.Background(), "random", topic)
		require.NoError(t, err)
		if n == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("backlog for %s never reached %d (last %d)", topic.Name, want, n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManagerEndToEndConsentSearch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.store.UpsertConsent(ctx, store.Consent{
		Recipient: "+905551112233", Brand: "b1", Type: "message",
		Status: "approved", UpdatedAt: time.Now(),
	}))

	topics := f.rc.Topics()
	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 2, ResponseQueueSize: 4, FailurePolicy: config.FailureAck}, slog.Default())
	agents := []Agent{NewConsentSearchAgent(topics.ConsentSearch, f.store, f.session)}
	require.NoError(t, mgr.StartAll(ctx, agents))
	require.Len(t, f.rc.ActiveConsumers(), 1)

	replyTopic := "test.replies"
	replyConsumer, err := f.client.Subscribe(ctx, broker.Topic{Name: replyTopic, Subscription: "reply-sub"})
	require.NoError(t, err)

	payload, _ := json.Marshal(SearchRequest{Recipient: "+905551112233", Brand: "b1", Type: "message"})
	require.NoError(t, f.client.Publish(ctx, broker.Envelope{
		ID: "req-1", Topic: topics.ConsentSearch.Name, ReplyTo: replyTopic, Payload: payload,
	}))

	reply, err := replyConsumer.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "req-1", reply.ID())

	// The response is sealed; open it with the session.
	plain, err := f.session.Open(reply.Payload())
	require.NoError(t, err)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(plain, &resp))
	require.Equal(t, "approved", resp.Status)

	// The request message was acknowledged.
	waitForBacklog(t, f.client, topics.ConsentSearch, 0)

	cancel()
	f.rc.CloseConsumers()
	mgr.Wait()
}

func TestRunnerStopsProcessingAfterDraining(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := f.rc.Topics()
	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 2, FailurePolicy: config.FailureAck}, slog.Default())
	require.NoError(t, mgr.StartAll(ctx, []Agent{NewSyncResponseAgent(topics.Sync, f.store)}))

	// Move to draining before any message is published.
	f.rc.SetState(runtime.StateDraining)
	time.Sleep(20 * time.Millisecond)

	payload, _ := json.Marshal(SyncRequest{Recipient: "r", Brand: "b", Type: "call", Status: "approved"})
	require.NoError(t, f.client.Publish(ctx, broker.Envelope{Topic: topics.Sync.Name, Payload: payload}))

	// The loop exits without applying the message: the consent never lands.
	time.Sleep(100 * time.Millisecond)
	_, err := f.store.GetConsent(ctx, "r", "b", "call")
	require.ErrorIs(t, err, store.ErrNotFound)

	cancel()
	f.rc.CloseConsumers()
	mgr.Wait()
}

func TestRunnerAckPolicyDropsFailedMessage(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := f.rc.Topics()
	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 2, FailurePolicy: config.FailureAck}, slog.Default())
	require.NoError(t, mgr.StartAll(ctx, []Agent{NewSyncResponseAgent(topics.Sync, f.store)}))

	// Malformed payload fails processing; ack policy removes it anyway.
	require.NoError(t, f.client.Publish(ctx, broker.Envelope{Topic: topics.Sync.Name, Payload: []byte("not json")}))
	waitForBacklog(t, f.client, topics.Sync, 0)

	cancel()
	f.rc.CloseConsumers()
	mgr.Wait()
}

func TestRunnerNackPolicyKeepsFailedMessage(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := f.rc.Topics()
	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 2, FailurePolicy: config.FailureNack}, slog.Default())
	require.NoError(t, mgr.StartAll(ctx, []Agent{NewBrandSearchAgent(topics.BrandSearch, f.store)}))

	require.NoError(t, f.client.Publish(ctx, broker.Envelope{Topic: topics.BrandSearch.Name, Payload: []byte("not json")}))

	// Redelivered repeatedly, so the backlog never drains.
	time.Sleep(150 * time.Millisecond)
	n, err := f.client.Backlog(ctx, "random", topics.BrandSearch)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cancel()
	f.rc.CloseConsumers()
	mgr.Wait()
}

func TestManagerSubscribeFailureAbortsStartup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Close())

	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 2, FailurePolicy: config.FailureAck}, slog.Default())
	err := mgr.StartAll(context.Background(), []Agent{NewSyncResponseAgent(f.rc.Topics().Sync, f.store)})
	require.Error(t, err)
	require.Empty(t, f.rc.ActiveConsumers())
}

func TestRunnerExitsWhenConsumerCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	topics := f.rc.Topics()
	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 2, FailurePolicy: config.FailureAck}, slog.Default())
	require.NoError(t, mgr.StartAll(ctx, []Agent{NewStatusReportAgent(topics.StatusReport, f.store)}))

	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	f.rc.CloseConsumers()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit after consumer close")
	}
}

func TestManagerQueuesAgentsBeyondPoolSize(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := f.rc.Topics()
	// One slot, two agents: both subscribe, the second waits for a slot.
	mgr := NewManager(f.rc, f.pool, config.AgentsConfig{PoolSize: 1, FailurePolicy: config.FailureAck}, slog.Default())
	agents := []Agent{
		NewSyncResponseAgent(topics.Sync, f.store),
		NewBrandSearchAgent(topics.BrandSearch, f.store),
	}
	require.NoError(t, mgr.StartAll(ctx, agents))
	require.Len(t, f.rc.ActiveConsumers(), 2)

	cancel()
	f.rc.CloseConsumers()
	mgr.Wait()
}

func TestRunnerRecoversFromTransientReceiveError(t *testing.T) {
	// A receive error that is not a close/cancel must not kill the loop.
	f := newFixture(t)
	errConsumer := &flakyConsumer{
		inner: mustSubscribe(t, f.client, f.rc.Topics().Sync),
		fails: 1,
	}

	rc := f.rc
	runner := NewRunner(NewSyncResponseAgent(rc.Topics().Sync, f.store), errConsumer, rc, f.pool, config.FailureAck, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit on cancel")
	}
	require.Equal(t, 0, errConsumer.fails)
}

func mustSubscribe(t *testing.T, c broker.Client, topic broker.Topic) broker.Consumer {
	t.Helper()
	consumer, err := c.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	return consumer
}

// flakyConsumer fails the first N receives with a transient error.
type flakyConsumer struct {
	inner broker.Consumer
	fails int
}

func (f *flakyConsumer) Receive(ctx context.Context) (broker.Message, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("transient broker error")
	}
	return f.inner.Receive(ctx)
}

func (f *flakyConsumer) Ack(ctx context.Context, msg broker.Message) error {
	return f.inner.Ack(ctx, msg)
}

func (f *flakyConsumer) Nack(ctx context.Context, msg broker.Message) error {
	return f.inner.Nack(ctx, msg)
}

func (f *flakyConsumer) Close() error { return f.inner.Close() }
