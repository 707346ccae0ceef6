package playback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/tts"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectTestBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), "playback-test", config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestServiceSpeaksAndReportsStatus(t *testing.T) {
	client := connectTestBus(t)

	statuses := make(chan protocol.RunStatus, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectRunStatus, func(msg *nats.Msg) {
		var status protocol.RunStatus
		if json.Unmarshal(msg.Data, &status) == nil {
			statuses <- status
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	region := display.NewRegion("main")
	publisher := display.NewPublisher(client, newLogger())
	var svc *Service
	p := New(tts.NewMockEngine(0), display.Multi{region, publisher}, Options{
		Binder: publisher,
		Logger: newLogger(),
		OnRunEnd: func(r *Run) {
			svc.RunEnded(r)
		},
	})
	svc = NewService(context.Background(), config.CaptionsConfig{Enabled: true}, client, p, 0, newLogger())
	startPlayer(t, p)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	windows := make(chan protocol.CaptionWindow, 16)
	winSub, err := client.Conn().Subscribe(protocol.SubjectWindow, func(msg *nats.Msg) {
		var w protocol.CaptionWindow
		if json.Unmarshal(msg.Data, &w) == nil {
			windows <- w
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = winSub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectSpeak, protocol.SpeakRequest{
		SessionID: "remote-1",
		Segments:  []string{"hello from the bus"},
	}))

	select {
	case status := <-statuses:
		assert.Equal(t, "remote-1", status.SessionID)
		assert.True(t, status.Completed)
		assert.False(t, status.Cancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("no run status published")
	}

	assert.Equal(t, "from the bus", region.Current().String())

	select {
	case w := <-windows:
		assert.Equal(t, "remote-1", w.SessionID)
		assert.Equal(t, "hello from the", w.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no caption window published")
	}
}

func TestServiceCancel(t *testing.T) {
	client := connectTestBus(t)

	statuses := make(chan protocol.RunStatus, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectRunStatus, func(msg *nats.Msg) {
		var status protocol.RunStatus
		if json.Unmarshal(msg.Data, &status) == nil {
			statuses <- status
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	var svc *Service
	p := New(tts.NewMockEngine(time.Hour), display.NewRegion("main"), Options{
		Logger:   newLogger(),
		OnRunEnd: func(r *Run) { svc.RunEnded(r) },
	})
	svc = NewService(context.Background(), config.CaptionsConfig{Enabled: true}, client, p, 0, newLogger())
	startPlayer(t, p)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.NoError(t, client.Conn().Flush())

	run, err := p.Speak(context.Background(), "local", "a very long sentence", 0)
	require.NoError(t, err)

	require.NoError(t, client.PublishJSON(protocol.SubjectCancel, protocol.CancelRequest{SessionID: "local"}))
	waitRun(t, run)
	assert.True(t, run.Cancelled())

	select {
	case status := <-statuses:
		assert.Equal(t, "local", status.SessionID)
		assert.True(t, status.Cancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("no run status published")
	}
}

func TestServiceDisabled(t *testing.T) {
	p := New(tts.NewMockEngine(0), display.NewRegion("main"), Options{Logger: newLogger()})
	svc := NewService(context.Background(), config.CaptionsConfig{}, nil, p, 0, newLogger())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}
