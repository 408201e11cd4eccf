package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "eventvault", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Positive(t, cfg.HandlerTimeout)
}

func TestNatsToMessage(t *testing.T) {
	msg := &nats.Msg{
		Subject: "pipeline.raw.exported",
		Data:    []byte(`{"stage":"export"}`),
		Header:  nats.Header{},
	}
	msg.Header.Set("Stage", "export")

	before := time.Now()
	m := natsToMessage(msg)

	assert.Equal(t, "pipeline.raw.exported", m.Subject)
	assert.Equal(t, `{"stage":"export"}`, string(m.Data))
	require.NotNil(t, m.Metadata)
	assert.Equal(t, "export", m.Metadata["Stage"])
	assert.False(t, m.Timestamp.Before(before))
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxReconnects = 0

	_, err := NewClient(cfg, nil)
	assert.Error(t, err)
}
