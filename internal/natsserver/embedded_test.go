package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartExternalReturnsNil(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := Start(config.BusConfig{Embedded: false}, log)
	require.NoError(t, err)
	assert.Nil(t, ns)
	assert.Equal(t, "", ns.ClientURL())
	ns.Shutdown()
}

func TestStartEmbedded(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := Start(config.BusConfig{Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	defer ns.Shutdown()

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, nats.CONNECTED, conn.Status())
}
