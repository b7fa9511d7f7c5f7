package pipeline

import (
	"context"
	"errors"
)

// MaxBatchSize bounds ProcessBatch.
const MaxBatchSize = 100

// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// BatchItem is the outcome of one request in a batch. Exactly one of Result
// and Err is set.
type BatchItem struct {
	Index  int
	Result *Result
	Err    error
}

// ProcessBatch runs each request through Process in order, so ledger
// sequence follows request order. A failed item does not stop the batch;
// cancellation of ctx fails the remaining items.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if len(reqs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		items[i].Index = i
		if err := ctx.Err(); err != nil {
			items[i].Err = err
			continue
		}
		items[i].Result, items[i].Err = o.Process(ctx, req)
	}
	return items, nil
}
