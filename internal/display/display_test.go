package display

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegion(t *testing.T) {
	r := NewRegion("main")
	assert.Equal(t, "main", r.Name())
	assert.True(t, r.Current().Empty())

	words := []string{"one", "two"}
	r.Show(caption.Window{Segment: 1, Start: 3, Words: words})
	words[0] = "changed"

	got := r.Current()
	assert.Equal(t, caption.Window{Segment: 1, Start: 3, Words: []string{"one", "two"}}, got)
	assert.Equal(t, 1, r.Updates())

	got.Words[1] = "mutated"
	assert.Equal(t, "one two", r.Current().String())
}

func TestMulti(t *testing.T) {
	main, overlay := NewRegion("main"), NewRegion("overlay")
	m := Multi{main, overlay}
	m.Show(caption.Window{Words: []string{"hello"}})

	assert.Equal(t, "hello", main.Current().String())
	assert.Equal(t, "hello", overlay.Current().String())
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, true)
	w.Show(caption.Window{Segment: 0, Words: []string{"a", "b", "c"}})
	w.Show(caption.Window{Segment: 2, Words: []string{"d"}})
	assert.Equal(t, "[1] a b c\n[3] d\n", buf.String())

	buf.Reset()
	NewWriter(&buf, false).Show(caption.Window{Words: []string{"plain"}})
	assert.Equal(t, "plain\n", buf.String())
}

func TestPublisher(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), "display-test", config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	received := make(chan protocol.CaptionWindow, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectWindow, func(msg *nats.Msg) {
		var w protocol.CaptionWindow
		if json.Unmarshal(msg.Data, &w) == nil {
			received <- w
		}
	})
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	p := NewPublisher(client, log)
	p.Bind("session-1", 4)
	p.Show(caption.Window{Segment: 1, Start: 3, Words: []string{"d", "e", "f"}})

	select {
	case w := <-received:
		assert.Equal(t, "session-1", w.SessionID)
		assert.Equal(t, uint64(4), w.Run)
		assert.Equal(t, 1, w.Segment)
		assert.Equal(t, 3, w.Start)
		assert.Equal(t, "d e f", w.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("caption window not published")
	}
}
