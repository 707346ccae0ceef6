// Package runtime wires the caption daemon together: bus, event store,
// voices, speech engine, displays, the playback loop and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/playback"
	"github.com/loqalabs/loqa-captions/internal/tts"
	"github.com/loqalabs/loqa-captions/internal/voice"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     shutdownFunc

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	voices  *voice.Registry
	player  *playback.Player
	service *playback.Service
	main    *display.Region
	overlay *display.Region

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings every component up, serves until ctx is cancelled and then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.closeAll()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	registry, err := voice.NewRegistry(ctx, r.cfg.RuntimeName, voice.FromConfig(r.cfg.Voices.Configured), r.bus, r.cfg.Voices.Announce, r.logger)
	if err != nil {
		return fmt.Errorf("start voice registry: %w", err)
	}
	r.voices = registry

	engine, err := newEngine(r.cfg.TTS)
	if err != nil {
		return err
	}

	if err := r.startPlayback(ctx, engine); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", r.version))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = ns
	if url := ns.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) startPlayback(ctx context.Context, engine tts.Engine) error {
	r.main = display.NewRegion("main")
	surfaces := display.Multi{r.main}
	if r.cfg.Captions.Overlay {
		r.overlay = display.NewRegion("overlay")
		surfaces = append(surfaces, r.overlay)
	}

	opts := playback.Options{
		Voices:       r.voices,
		Recorder:     r.store,
		InboxSize:    r.cfg.Captions.InboxSize,
		SpeakTimeout: time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond,
		Logger:       r.logger,
	}
	if r.cfg.Captions.PublishWindows {
		publisher := display.NewPublisher(r.bus, r.logger)
		surfaces = append(surfaces, publisher)
		opts.Binder = publisher
	}

	// The service publishes run status; it is created after the player it
	// drives, so the callback looks it up late.
	var service *playback.Service
	opts.OnRunEnd = func(run *playback.Run) {
		if service != nil {
			service.RunEnded(run)
		}
	}

	r.player = playback.New(engine, surfaces, opts)
	service = playback.NewService(ctx, r.cfg.Captions, r.bus, r.player, r.cfg.Voices.DefaultIndex, r.logger)
	r.service = service

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.player.Run(ctx); err != nil {
			r.logger.Error("playback loop failed", slog.String("error", err.Error()))
		}
	}()

	if err := service.Start(); err != nil {
		return fmt.Errorf("start caption service: %w", err)
	}
	return nil
}

func newEngine(cfg config.TTSConfig) (tts.Engine, error) {
	switch cfg.Mode {
	case "exec":
		engine, err := tts.NewExecEngine(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("create exec speech engine: %w", err)
		}
		return engine, nil
	default:
		return tts.NewMockEngine(time.Duration(cfg.WordIntervalMS) * time.Millisecond), nil
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// closeAll runs after Start's context is cancelled. Waiting on wg first lets
// the playback loop report its last run before the service and bus close.
func (r *Runtime) closeAll() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.service != nil {
		r.service.Close()
	}
	if r.voices != nil {
		r.voices.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetry != nil {
		if err := r.telemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /caption", r.handleCaption(r.main))
	mux.HandleFunc("GET /caption/overlay", r.handleCaption(r.overlay))
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type captionResponse struct {
	Region string `json:"region"`
	caption.Window
	Text    string `json:"text"`
	Updates int    `json:"updates"`
}

func (r *Runtime) handleCaption(region *display.Region) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if region == nil {
			http.Error(w, "caption region disabled", http.StatusNotFound)
			return
		}
		current := region.Current()
		resp := captionResponse{
			Region:  region.Name(),
			Window:  current,
			Text:    current.String(),
			Updates: region.Updates(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			r.logger.Warn("failed to encode caption", slog.String("error", err.Error()))
		}
	}
}
