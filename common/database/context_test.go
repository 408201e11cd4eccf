package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_KeepsDefaultsForZeroFields(t *testing.T) {
	t.Cleanup(func() { Configure(DefaultTimeouts()) })

	Configure(Timeouts{Write: time.Minute, Bulk: -1})
	got := Current()
	assert.Equal(t, 5*time.Second, got.Query)
	assert.Equal(t, time.Minute, got.Write)
	assert.Equal(t, 30*time.Second, got.Bulk)
}

func TestContextsCarryDeadline(t *testing.T) {
	t.Cleanup(func() { Configure(DefaultTimeouts()) })
	Configure(Timeouts{Query: time.Second, Write: 2 * time.Second, Bulk: 3 * time.Second})

	tests := []struct {
		name string
		fn   func(context.Context) (context.Context, context.CancelFunc)
		want time.Duration
	}{
		{"query", QueryContext, time.Second},
		{"write", WriteContext, 2 * time.Second},
		{"bulk", BulkContext, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			ctx, cancel := tt.fn(context.Background())
			defer cancel()
			dl, ok := ctx.Deadline()
			require.True(t, ok)
			assert.WithinDuration(t, start.Add(tt.want), dl, 500*time.Millisecond)
		})
	}
}

func TestParentDeadlineWins(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ctx, cancel2 := BulkContext(parent)
	defer cancel2()
	dl, _ := ctx.Deadline()
	pdl, _ := parent.Deadline()
	assert.Equal(t, pdl, dl)
}
