package pipeline

import (
	"context"

	"github.com/c360/drivebus/canbus"
	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/store"
)

// BatchReader loads stored batches. Satisfied by *store.Store.
type BatchReader interface {
	GetBatch(ctx context.Context, id int64) (*store.Batch, error)
	LatestBatch(ctx context.Context) (*store.Batch, error)
}

// Reconstructor rebuilds driving steps from stored frame batches.
type Reconstructor struct {
	reader BatchReader
}

// NewReconstructor wires the read path.
func NewReconstructor(reader BatchReader) *Reconstructor {
	return &Reconstructor{reader: reader}
}

// FromBatch decodes a loaded batch. When stepName is non-empty it replaces
// the placeholder derived from the wire hash; a name that does not match
// the stored hash is ignored rather than trusted.
func (r *Reconstructor) FromBatch(batch *store.Batch, stepName string) (*canbus.DrivingStep, error) {
	step, err := canbus.Decode(batch.Frames)
	if err != nil {
		return nil, err
	}
	if stepName != "" && canbus.StepNameHash(stepName) == step.NameHash {
		step.StepName = stepName
	}
	return step, nil
}

// ByID loads and decodes one batch.
func (r *Reconstructor) ByID(ctx context.Context, id int64, stepName string) (*canbus.DrivingStep, error) {
	batch, err := r.reader.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.FromBatch(batch, stepName)
}

// Latest decodes the most recent batch in the log. No token is available
// on this path, so the step carries its placeholder name. Returns the
// batch id alongside the step.
func (r *Reconstructor) Latest(ctx context.Context) (*canbus.DrivingStep, int64, error) {
	batch, err := r.reader.LatestBatch(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrBatchMissing) {
			return nil, 0, err
		}
		return nil, 0, errors.Wrap(err, "Reconstructor", "Latest", "load latest batch")
	}
	step, err := r.FromBatch(batch, "")
	if err != nil {
		return nil, 0, err
	}
	return step, batch.ID, nil
}
