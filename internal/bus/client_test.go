package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), "test", config.BusConfig{}, newLogger())
	assert.Error(t, err)
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, "test", config.BusConfig{Servers: []string{"nats://127.0.0.1:1"}}, newLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishJSONRoundTrip(t *testing.T) {
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	client, err := Connect(context.Background(), "", config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	assert.True(t, client.Healthy())

	received := make(chan protocol.SpeakRequest, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectSpeak, func(msg *nats.Msg) {
		var req protocol.SpeakRequest
		if json.Unmarshal(msg.Data, &req) == nil {
			received <- req
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	voiceIndex := 2
	require.NoError(t, client.PublishJSON(protocol.SubjectSpeak, protocol.SpeakRequest{
		SessionID:  "s1",
		Segments:   []string{"one", "", "two"},
		VoiceIndex: &voiceIndex,
	}))

	select {
	case req := <-received:
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, []string{"one", "", "two"}, req.Segments)
		require.NotNil(t, req.VoiceIndex)
		assert.Equal(t, 2, *req.VoiceIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.Error(t, client.PublishJSON("captions.bad", func() {}))
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *Client
	assert.False(t, c.Healthy())
	c.Close()
}
