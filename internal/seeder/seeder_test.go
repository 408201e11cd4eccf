package seeder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/repository"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestGenerate_Deterministic(t *testing.T) {
	opts := Options{Count: 20, Seed: 42, TimeSpread: time.Hour, Now: fixedClock}

	a, err := NewGenerator(opts)
	require.NoError(t, err)
	b, err := NewGenerator(opts)
	require.NoError(t, err)

	ea, eb := a.Generate(), b.Generate()
	require.Len(t, ea, 20)
	for i := range ea {
		assert.Equal(t, ea[i].EventID, eb[i].EventID)
		assert.Equal(t, ea[i].TenantID, eb[i].TenantID)
		assert.Equal(t, ea[i].Timestamp, eb[i].Timestamp)
	}
}

func TestGenerate_Fields(t *testing.T) {
	g, err := NewGenerator(Options{Count: 50, Seed: 7, Tenants: []string{"t1", "t2"}, TimeSpread: 24 * time.Hour, Now: fixedClock})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range g.Generate() {
		assert.Contains(t, []string{"t1", "t2"}, e.TenantID)
		assert.Contains(t, eventTypes, e.EventType)
		assert.NotEmpty(t, e.IPAddress)
		assert.NotEmpty(t, e.UserAgent)
		assert.NotEmpty(t, e.Payload)
		assert.False(t, e.Timestamp.After(fixedNow))
		assert.False(t, e.Timestamp.Before(fixedNow.Add(-24*time.Hour)))
		assert.Nil(t, e.RawExportedAt)
		assert.False(t, seen[e.EventID.String()], "event ids are unique")
		seen[e.EventID.String()] = true
	}
}

func TestGenerate_SensitiveRatio(t *testing.T) {
	count := func(ratio float64) int {
		g, err := NewGenerator(Options{Count: 100, Seed: 3, SensitiveRatio: ratio, Now: fixedClock})
		require.NoError(t, err)
		n := 0
		for _, e := range g.Generate() {
			if _, ok := e.Payload["form_data"]; ok {
				n++
			}
		}
		return n
	}

	assert.Zero(t, count(0))
	assert.Equal(t, 100, count(1))
}

func TestGenerate_NoSpreadUsesNow(t *testing.T) {
	g, err := NewGenerator(Options{Count: 3, Seed: 1, Now: fixedClock})
	require.NoError(t, err)
	for _, e := range g.Generate() {
		assert.Equal(t, fixedNow, e.Timestamp)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	_, err := NewGenerator(Options{Count: -1})
	assert.Error(t, err)
	_, err = NewGenerator(Options{Count: 1, SensitiveRatio: 1.5})
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	store := repository.NewMemoryStore()
	n, err := Seed(context.Background(), store, Options{Count: 1201, Seed: 9, BatchSize: 500, Now: fixedClock})
	require.NoError(t, err)
	assert.Equal(t, 1201, n)

	stats, err := store.Stats(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1201), stats.Total)
	assert.Equal(t, int64(1201), stats.Pending)
}

type failingInserter struct {
	calls int
}

func (f *failingInserter) Insert(_ context.Context, events []models.EventRecord) ([]int64, error) {
	f.calls++
	if f.calls == 2 {
		return nil, errors.New("disk full")
	}
	ids := make([]int64, len(events))
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids, nil
}

func TestSeed_StopsOnError(t *testing.T) {
	ins := &failingInserter{}
	n, err := Seed(context.Background(), ins, Options{Count: 30, Seed: 2, BatchSize: 10, Now: fixedClock})
	require.Error(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 2, ins.calls)

	_, err = Seed(context.Background(), nil, Options{Count: 1})
	assert.Error(t, err)
}
