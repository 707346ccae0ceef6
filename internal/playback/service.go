package playback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes a Player on the bus: speak and cancel requests come in,
// run status goes out.
type Service struct {
	cfg          config.CaptionsConfig
	bus          *bus.Client
	player       *Player
	defaultVoice int

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService returns a Service. defaultVoice is used for requests that do
// not name a voice.
func NewService(parent context.Context, cfg config.CaptionsConfig, busClient *bus.Client, player *Player, defaultVoice int, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:          cfg,
		bus:          busClient,
		player:       player,
		defaultVoice: defaultVoice,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.With(slog.String("component", "caption-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	speakSub, err := conn.Subscribe(protocol.SubjectSpeak, s.handleSpeak)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, speakSub)

	cancelSub, err := conn.Subscribe(protocol.SubjectCancel, s.handleCancel)
	if err != nil {
		_ = speakSub.Unsubscribe()
		s.subs = nil
		return err
	}
	s.subs = append(s.subs, cancelSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 2 }

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}

	voiceIndex := s.defaultVoice
	if req.VoiceIndex != nil {
		voiceIndex = *req.VoiceIndex
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	run, err := s.player.SpeakAll(ctx, req.SessionID, req.Segments, voiceIndex)
	if err != nil {
		if errors.Is(err, caption.ErrNothingToSpeak) {
			s.logger.Debug("ignoring speak request without words", slog.String("session_id", req.SessionID))
			return
		}
		s.logger.Warn("speak request failed", slog.String("session_id", req.SessionID), slogError(err))
		return
	}
	s.logger.Debug("speak request accepted", slog.String("session_id", run.SessionID), slog.Int("segments", run.Segments))
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode cancel request", slogError(err))
			return
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.player.Stop(ctx); err != nil {
		s.logger.Warn("cancel request failed", slog.String("session_id", req.SessionID), slogError(err))
	}
}

// RunEnded publishes the final status of run. It is meant to be installed as
// Options.OnRunEnd and never blocks the player loop.
func (s *Service) RunEnded(run *Run) {
	status := protocol.RunStatus{
		SessionID: run.SessionID,
		Run:       run.ID,
		Completed: !run.Cancelled(),
		Cancelled: run.Cancelled(),
		Timestamp: time.Now().UTC(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.bus.PublishJSON(protocol.SubjectRunStatus, status); err != nil {
			s.logger.Warn("failed to publish run status", slogError(err))
		}
	}()
}
