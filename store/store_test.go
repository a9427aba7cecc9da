package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/drivebus/canbus"
	driveerrors "github.com/c360/drivebus/errors"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "drivebus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBatch(name string) ([]canbus.Frame, uint32) {
	step := &canbus.DrivingStep{
		StepName:   name,
		DurationMs: 500,
		Engine:     canbus.Engine{RPM: 800, Running: true, FuelPressureKPa: 350},
	}
	return canbus.Encode(step), canbus.StepNameHash(name)
}

func TestAppendAndGetBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	frames, hash := testBatch("Startup")
	res, err := s.AppendBatch(ctx, frames, hash)
	require.NoError(t, err)
	assert.Positive(t, res.BatchID)
	assert.Equal(t, res.FirstSeq+int64(canbus.BatchSize)-1, res.LastSeq,
		"seven contiguous sequence numbers")

	got, err := s.GetBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, hash, got.StepHash)
	require.Len(t, got.Frames, canbus.BatchSize)
	assert.Equal(t, frames[0].ID, got.Frames[0].ID)
	assert.Equal(t, frames[0].Payload(), got.Frames[0].Payload())

	decoded, err := canbus.Decode(got.Frames)
	require.NoError(t, err)
	assert.Equal(t, uint16(800), decoded.Engine.RPM)
	assert.Equal(t, hash, decoded.NameHash)
}

func TestAppendRejectsPartialBatch(t *testing.T) {
	s := testStore(t)
	frames, hash := testBatch("Startup")

	_, err := s.AppendBatch(context.Background(), frames[:3], hash)
	require.Error(t, err)
	assert.ErrorIs(t, err, driveerrors.ErrIncompleteBatch)

	batches, frameCount, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, batches, "rejected batch leaves no rows behind")
	assert.Zero(t, frameCount)
}

func TestLatestBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.LatestBatch(ctx)
	assert.ErrorIs(t, err, driveerrors.ErrBatchMissing, "empty log has no latest batch")

	f1, h1 := testBatch("Startup")
	_, err = s.AppendBatch(ctx, f1, h1)
	require.NoError(t, err)

	f2, h2 := testBatch("Highway")
	res2, err := s.AppendBatch(ctx, f2, h2)
	require.NoError(t, err)

	latest, err := s.LatestBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, res2.BatchID, latest.ID)
	assert.Equal(t, h2, latest.StepHash)
}

func TestGetBatchMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.GetBatch(context.Background(), 404)
	assert.ErrorIs(t, err, driveerrors.ErrBatchMissing)
}

func TestBatchesRestartableIteration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	names := []string{"Startup", "CityDriving", "Highway", "Braking", "Parked"}
	for _, n := range names {
		frames, hash := testBatch(n)
		_, err := s.AppendBatch(ctx, frames, hash)
		require.NoError(t, err)
	}

	first, err := s.Batches(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, canbus.StepNameHash("Startup"), first[0].StepHash)

	// Resume from the last id seen, as a restarted consumer would.
	rest, err := s.Batches(ctx, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, canbus.StepNameHash("Highway"), rest[0].StepHash)
	assert.Equal(t, canbus.StepNameHash("Parked"), rest[2].StepHash)
	for _, b := range rest {
		assert.Len(t, b.Frames, canbus.BatchSize)
	}
}

func TestFramesNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	frames, hash := testBatch("Startup")
	res, err := s.AppendBatch(ctx, frames, hash)
	require.NoError(t, err)

	stored, err := s.Frames(ctx, 3)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, res.LastSeq, stored[0].Seq)
	assert.Equal(t, uint16(canbus.FrameStepInfo), stored[0].Frame.ID)
	assert.Equal(t, res.BatchID, stored[0].BatchID)
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var prevLast int64
	for _, n := range []string{"a", "b", "c"} {
		frames, hash := testBatch(n)
		res, err := s.AppendBatch(ctx, frames, hash)
		require.NoError(t, err)
		assert.Greater(t, res.FirstSeq, prevLast)
		prevLast = res.LastSeq
	}
}

func TestAppendRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	s, err := Open(filepath.Join(t.TempDir(), "drivebus.db"), WithMetrics(m))
	require.NoError(t, err)
	defer s.Close()

	frames, hash := testBatch("Startup")
	_, err = s.AppendBatch(context.Background(), frames, hash)
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range families {
		found[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
	}
	assert.Equal(t, float64(1), found["drivebus_store_batches_appended_total"])
	assert.Equal(t, float64(canbus.BatchSize), found["drivebus_store_frames_written_total"])
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAppend(7)
		m.RecordRead()
	})
}

func TestAppendAndListEvents(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.AppendEvent(context.Background(), "11111111-1111-1111-1111-111111111111", "engine check"))
	require.NoError(t, s.AppendEvent(context.Background(), "22222222-2222-2222-2222-222222222222", "door open"))

	events, err := s.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	messages := []string{events[0].Message, events[1].Message}
	assert.ElementsMatch(t, []string{"engine check", "door open"}, messages)
	for _, e := range events {
		assert.False(t, e.CreatedAt.IsZero())
	}

	// Duplicate ids violate the primary key.
	err = s.AppendEvent(context.Background(), "11111111-1111-1111-1111-111111111111", "again")
	require.Error(t, err)
	assert.True(t, driveerrors.IsTransient(err))
}

func TestEventsEmpty(t *testing.T) {
	s := testStore(t)
	events, err := s.Events(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
