package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// ErrInvalidTransition is returned for a status change the state machine
// does not allow
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the allowed targets of each status
var transitions = map[types.DocumentStatus][]types.DocumentStatus{
	types.StatusPending:    {types.StatusProcessing},
	types.StatusProcessing: {types.StatusChunked, types.StatusReady, types.StatusFailed},
	types.StatusChunked:    {types.StatusEmbedded, types.StatusFailed},
	types.StatusEmbedded:   {types.StatusReady, types.StatusFailed},
	types.StatusFailed:     {types.StatusPending},
	types.StatusReady:      {types.StatusPending},
}

// CanTransition reports whether a document may move from one status to another
func CanTransition(from, to types.DocumentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves doc to status `to` with a compare-and-set on its current
// status. On any error doc keeps its previous status.
func transition(ctx context.Context, store storage.Storage, doc *types.Document, to types.DocumentStatus, now time.Time) error {
	from := doc.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	prevUpdated := doc.UpdatedAt
	doc.Status = to
	doc.UpdatedAt = now
	if err := store.TransitionDocument(ctx, doc, from); err != nil {
		doc.Status = from
		doc.UpdatedAt = prevUpdated
		return err
	}
	return nil
}

// inFlight reports whether status is one a worker holds the lease for
func inFlight(status types.DocumentStatus) bool {
	switch status {
	case types.StatusProcessing, types.StatusChunked, types.StatusEmbedded:
		return true
	}
	return false
}
