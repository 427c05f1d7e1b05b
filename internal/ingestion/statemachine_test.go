package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.DocumentStatus
		want     bool
	}{
		{types.StatusPending, types.StatusProcessing, true},
		{types.StatusProcessing, types.StatusChunked, true},
		{types.StatusProcessing, types.StatusFailed, true},
		{types.StatusProcessing, types.StatusReady, true},
		{types.StatusChunked, types.StatusEmbedded, true},
		{types.StatusChunked, types.StatusFailed, true},
		{types.StatusEmbedded, types.StatusReady, true},
		{types.StatusEmbedded, types.StatusFailed, true},
		{types.StatusFailed, types.StatusPending, true},
		{types.StatusReady, types.StatusPending, true},

		{types.StatusPending, types.StatusReady, false},
		{types.StatusPending, types.StatusFailed, false},
		{types.StatusProcessing, types.StatusEmbedded, false},
		{types.StatusChunked, types.StatusReady, false},
		{types.StatusReady, types.StatusFailed, false},
		{types.StatusFailed, types.StatusProcessing, false},
		{types.StatusReady, types.StatusReady, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition_RejectsInvalidMove(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.addDocument(t, "d1", "text")

	err := transition(context.Background(), h.store, doc, types.StatusReady, h.clock.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, types.StatusPending, doc.Status)
}

func TestTransition_ConflictKeepsPreviousStatus(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.addDocument(t, "d1", "text")
	ctx := context.Background()

	other := h.get(t, "d1")
	require.NoError(t, transition(ctx, h.store, other, types.StatusProcessing, h.clock.Now()))

	prevUpdated := doc.UpdatedAt
	err := transition(ctx, h.store, doc, types.StatusProcessing, h.clock.Now().Add(1))
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, types.StatusPending, doc.Status)
	assert.Equal(t, prevUpdated, doc.UpdatedAt)
	assert.Equal(t, types.StatusProcessing, h.get(t, "d1").Status)
}
