package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/drivebus/broker"
	"github.com/c360/drivebus/canbus"
	driveerrors "github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/hub"
	"github.com/c360/drivebus/pkg/retry"
	"github.com/c360/drivebus/store"
)

// fakePublisher records published tokens and can simulate broker loss.
type fakePublisher struct {
	mu     sync.Mutex
	tokens []broker.Token
	err    error
}

func (f *fakePublisher) PublishToken(_ context.Context, token broker.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tokens = append(f.tokens, token)
	return nil
}

func (f *fakePublisher) published() []broker.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Token(nil), f.tokens...)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "drivebus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func startupStep() *canbus.DrivingStep {
	return &canbus.DrivingStep{
		StepName:   "Startup",
		DurationMs: 500,
		Engine:     canbus.Engine{RPM: 800, Running: true},
	}
}

func TestIngestPersistsAndPublishes(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)

	res, err := ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err)
	assert.True(t, res.Published)
	assert.NoError(t, res.PublishErr)
	assert.Equal(t, res.FirstSeq+int64(canbus.BatchSize)-1, res.LastSeq)

	tokens := pub.published()
	require.Len(t, tokens, 1)
	assert.Equal(t, res.BatchID, tokens[0].BatchID)
	assert.Equal(t, "Startup", tokens[0].StepName)
	assert.Equal(t, canbus.StepNameHash("Startup"), tokens[0].StepHash)

	batch, err := s.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Len(t, batch.Frames, canbus.BatchSize)
}

func TestIngestSurvivesBrokerLoss(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{err: driveerrors.ErrPublishQueueFull}
	ing := NewIngestor(s, pub)

	res, err := ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err, "broker loss does not fail ingestion")
	assert.False(t, res.Published)
	assert.ErrorIs(t, res.PublishErr, driveerrors.ErrPublishQueueFull)
	assert.NotEmpty(t, res.PublishError, "wire clients get the reason too")

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"publish_error"`)

	// The batch is durable regardless.
	_, err = s.GetBatch(context.Background(), res.BatchID)
	assert.NoError(t, err)
}

func TestIngestRejectsInvalidStep(t *testing.T) {
	s := openStore(t)
	ing := NewIngestor(s, &fakePublisher{})

	step := startupStep()
	step.StepName = ""
	_, err := ing.Ingest(context.Background(), step)
	require.Error(t, err)
	assert.True(t, driveerrors.IsInvalid(err))

	batches, _, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, batches, "invalid steps never reach the log")
}

func TestConcurrentIngestKeepsBatchesWhole(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			step := startupStep()
			step.StepName = fmt.Sprintf("step-%d", n)
			step.Engine.RPM = uint16(1000 + n)
			_, err := ing.Ingest(context.Background(), step)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	batches, err := s.Batches(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, batches, 8)
	for _, b := range batches {
		require.Len(t, b.Frames, canbus.BatchSize)
		step, err := canbus.Decode(b.Frames)
		require.NoError(t, err, "no interleaving across concurrent writers")
		assert.Equal(t, b.StepHash, step.NameHash)
	}
}

func TestHandleTokenDeliversStep(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)

	h := hub.New[hub.Message]()
	defer h.Close()
	sub, err := h.Subscribe()
	require.NoError(t, err)

	consumer := NewConsumer(nil, NewReconstructor(s), h)

	res, err := ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err)

	require.NoError(t, consumer.HandleToken(context.Background(), pub.published()[0]))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, hub.TypeStep, msg.Type)
	assert.Equal(t, res.BatchID, msg.Step.BatchID)
	assert.Equal(t, "Startup", msg.Step.Step.StepName, "token restores the name the wire cannot carry")
	assert.Equal(t, uint16(800), msg.Step.Step.Engine.RPM)
	assert.Equal(t, uint32(500), msg.Step.Step.DurationMs)
}

func TestHandleTokenMissingBatchNotifiesAndAcks(t *testing.T) {
	s := openStore(t)
	h := hub.New[hub.Message]()
	defer h.Close()
	sub, err := h.Subscribe()
	require.NoError(t, err)

	consumer := NewConsumer(nil, NewReconstructor(s), h)

	err = consumer.HandleToken(context.Background(), broker.Token{BatchID: 404, StepName: "ghost"})
	require.NoError(t, err, "missing batches are acked, not redelivered")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, hub.TypeError, msg.Type)
	assert.Equal(t, int64(404), msg.Error.BatchID)
	assert.Contains(t, msg.Error.Reason, "batch not found")
}

func TestHandleTokenZeroIDFallsBackToLatest(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)

	h := hub.New[hub.Message]()
	defer h.Close()
	sub, err := h.Subscribe()
	require.NoError(t, err)

	consumer := NewConsumer(nil, NewReconstructor(s), h)

	res, err := ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err)

	// A token without a batch id resolves to the newest batch. No id means
	// no trusted name either, so the placeholder survives.
	require.NoError(t, consumer.HandleToken(context.Background(), broker.Token{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeStep, msg.Type)
	assert.Equal(t, res.BatchID, msg.Step.BatchID)
	assert.Equal(t, canbus.PlaceholderName(msg.Step.Step.NameHash), msg.Step.Step.StepName)
}

func TestHandleTokenRedeliversTwice(t *testing.T) {
	// At-least-once delivery means a token can arrive again; handling must
	// be repeatable.
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)

	h := hub.New[hub.Message]()
	defer h.Close()
	sub, err := h.Subscribe()
	require.NoError(t, err)

	consumer := NewConsumer(nil, NewReconstructor(s), h)
	_, err = ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err)

	token := pub.published()[0]
	require.NoError(t, consumer.HandleToken(context.Background(), token))
	require.NoError(t, consumer.HandleToken(context.Background(), token))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := sub.Receive(ctx)
	require.NoError(t, err)
	second, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Step.BatchID, second.Step.BatchID)
	assert.Equal(t, first.Step.Step, second.Step.Step)
}

// flakySource rejects the first attach attempts, then accepts.
type flakySource struct {
	mu       sync.Mutex
	failures int
	attempts int
	handler  func(context.Context, broker.Token) error
}

func (f *flakySource) ConsumeTokens(_ context.Context, handler func(context.Context, broker.Token) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return driveerrors.ErrBrokerUnavailable
	}
	f.handler = handler
	return nil
}

func (f *flakySource) attachAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *flakySource) attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func fastRetry() retry.Config {
	return retry.Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestSuperviseRetriesUntilAttached(t *testing.T) {
	// A broker that is down at boot must delay the read path, not
	// disable it for the process lifetime.
	s := openStore(t)
	h := hub.New[hub.Message]()
	defer h.Close()

	src := &flakySource{failures: 2}
	consumer := NewConsumer(src, NewReconstructor(s), h)

	done := make(chan struct{})
	go func() {
		consumer.Supervise(context.Background(), fastRetry(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never attached the consumer")
	}
	assert.Equal(t, 3, src.attachAttempts())
	assert.True(t, src.attached())
}

func TestSuperviseRunsPrepareBeforeEachAttempt(t *testing.T) {
	s := openStore(t)
	h := hub.New[hub.Message]()
	defer h.Close()

	src := &flakySource{}
	consumer := NewConsumer(src, NewReconstructor(s), h)

	var prepares int
	prepare := func(context.Context) error {
		prepares++
		if prepares < 3 {
			return driveerrors.ErrNoConnection
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		consumer.Supervise(context.Background(), fastRetry(), prepare)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never attached the consumer")
	}
	assert.Equal(t, 3, prepares, "attach waits for the broker to come up")
	assert.True(t, src.attached())
}

func TestSuperviseStopsOnCancel(t *testing.T) {
	s := openStore(t)
	h := hub.New[hub.Message]()
	defer h.Close()

	src := &flakySource{failures: 1 << 30}
	consumer := NewConsumer(src, NewReconstructor(s), h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Supervise(ctx, fastRetry(), nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancellation")
	}
	assert.False(t, src.attached())
}

func TestReconstructorLatest(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)
	rec := NewReconstructor(s)

	_, _, err := rec.Latest(context.Background())
	assert.ErrorIs(t, err, driveerrors.ErrBatchMissing)

	_, err = ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err)

	highway := startupStep()
	highway.StepName = "Highway"
	highway.Speed.SpeedKmh = 120
	res, err := ing.Ingest(context.Background(), highway)
	require.NoError(t, err)

	step, batchID, err := rec.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, batchID)
	assert.Equal(t, float64(120), step.Speed.SpeedKmh)

	// Without a token the name is only known by hash.
	assert.Equal(t, canbus.StepNameHash("Highway"), step.NameHash)
	assert.Equal(t, canbus.PlaceholderName(step.NameHash), step.StepName)
}

func TestReconstructorRejectsMismatchedName(t *testing.T) {
	s := openStore(t)
	pub := &fakePublisher{}
	ing := NewIngestor(s, pub)
	rec := NewReconstructor(s)

	res, err := ing.Ingest(context.Background(), startupStep())
	require.NoError(t, err)

	step, err := rec.ByID(context.Background(), res.BatchID, "NotTheRealName")
	require.NoError(t, err)
	assert.Equal(t, canbus.PlaceholderName(step.NameHash), step.StepName,
		"a name that fails the hash check is not trusted")
}
