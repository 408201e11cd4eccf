package models

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_Validate(t *testing.T) {
	small := Payload{"page": "/home", "nested": map[string]any{"a": 1}}
	require.NoError(t, small.Validate())

	big := Payload{"blob": strings.Repeat("x", MaxEventPayloadBytes)}
	err := big.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	var empty Payload
	size, err := empty.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPayload_CloneIsDeep(t *testing.T) {
	orig := Payload{
		"user": map[string]any{"name": "a"},
		"tags": []any{map[string]any{"k": "v"}},
	}
	cp := orig.Clone()

	cp["user"].(map[string]any)["name"] = "b"
	cp["tags"].([]any)[0].(map[string]any)["k"] = "changed"

	assert.Equal(t, "a", orig["user"].(map[string]any)["name"])
	assert.Equal(t, "v", orig["tags"].([]any)[0].(map[string]any)["k"])
}

func TestEventRecord_Snapshot(t *testing.T) {
	id := uuid.New()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	rec := EventRecord{
		ID:        7,
		EventID:   id,
		EventType: "pageview",
		TenantID:  "acme",
		IPAddress: "10.0.0.1",
		CreatedAt: created,
		Timestamp: created,
		Payload:   Payload{"k": "v"},
	}

	snap := rec.Snapshot()
	assert.Equal(t, int64(7), snap.ID)
	assert.Equal(t, id.String(), snap.EventID)
	assert.Equal(t, "acme", snap.Tenant())
	assert.Equal(t, time.UTC, snap.CreatedAt.Location())
	assert.True(t, created.Equal(snap.CreatedAt))
	assert.False(t, rec.Exported())
}

func TestGroupByTenant(t *testing.T) {
	events := []EventSnapshot{
		{ID: 1, TenantID: "b"},
		{ID: 2, TenantID: "a"},
		{ID: 3},
		{ID: 4, TenantID: "b"},
	}

	order, groups := GroupByTenant(events)

	assert.Equal(t, []string{"b", "a", UnknownTenant}, order)
	require.Len(t, groups["b"], 2)
	assert.Equal(t, int64(1), groups["b"][0].ID)
	assert.Equal(t, int64(4), groups["b"][1].ID)
	assert.Len(t, groups[UnknownTenant], 1)
}

func TestNewTimeRange(t *testing.T) {
	assert.Nil(t, NewTimeRange(nil))

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTimeRange([]EventSnapshot{
		{CreatedAt: t0.Add(time.Hour)},
		{CreatedAt: t0},
		{CreatedAt: t0.Add(2 * time.Hour)},
	})
	require.NotNil(t, tr)
	assert.Equal(t, t0, tr.Start)
	assert.Equal(t, t0.Add(2*time.Hour), tr.End)
}

func TestParsePrivacyLevel(t *testing.T) {
	tests := []struct {
		in   string
		want PrivacyLevel
		ok   bool
	}{
		{"standard", PrivacyStandard, true},
		{"GDPR", PrivacyGDPR, true},
		{" hipaa ", PrivacyHIPAA, true},
		{"", PrivacyStandard, false},
		{"strict", PrivacyStandard, false},
	}
	for _, tt := range tests {
		got, ok := ParsePrivacyLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
