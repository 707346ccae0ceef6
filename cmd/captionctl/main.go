package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/playback"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/tts"
	"github.com/loqalabs/loqa-captions/internal/voice"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'play', 'send', 'cancel' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "play":
		err = runPlay(ctx, os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "cancel":
		err = runCancel(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// source collects the segments to speak from exactly one input.
type source struct {
	file      string
	clipboard bool
}

func (s *source) register(fs *flag.FlagSet) {
	fs.StringVar(&s.file, "file", "", "Read segments from file, one per blank-line separated paragraph")
	fs.BoolVar(&s.clipboard, "clipboard", false, "Read segments from the system clipboard")
}

func (s *source) segments(args []string) ([]string, error) {
	switch {
	case s.file != "" && s.clipboard:
		return nil, errors.New("-file and -clipboard are mutually exclusive")
	case s.file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return splitParagraphs(string(data)), nil
	case s.file != "":
		data, err := os.ReadFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("read segments: %w", err)
		}
		return splitParagraphs(string(data)), nil
	case s.clipboard:
		text, err := clipboard.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read clipboard: %w", err)
		}
		return splitParagraphs(text), nil
	default:
		return args, nil
	}
}

// splitParagraphs cuts text at blank lines. Lines inside a paragraph are
// kept together as one segment.
func splitParagraphs(text string) []string {
	var (
		segments []string
		current  []string
	)
	flush := func() {
		if len(current) > 0 {
			segments = append(segments, strings.Join(current, " "))
			current = nil
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return segments
}

func runPlay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	var (
		src        source
		voiceIndex int
		voiceList  string
		mode       string
		command    string
		interval   time.Duration
		prefix     bool
		logLevel   string
	)
	src.register(fs)
	fs.IntVar(&voiceIndex, "voice", -1, "Index into -voices; out of range uses the engine default")
	fs.StringVar(&voiceList, "voices", "", "Voices offered by the engine, as name:lang,name:lang")
	fs.StringVar(&mode, "engine", "mock", "Speech engine: mock or exec")
	fs.StringVar(&command, "command", "", "Command line of the exec speech engine")
	fs.DurationVar(&interval, "interval", 250*time.Millisecond, "Word interval of the mock engine")
	fs.BoolVar(&prefix, "prefix", true, "Prefix each caption with its segment number")
	fs.StringVar(&logLevel, "log-level", "warn", "Log level")
	_ = fs.Parse(args)

	segments, err := src.segments(fs.Args())
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.TelemetryConfig{LogLevel: logLevel}.SlogLevel(),
	}))

	var engine tts.Engine
	switch mode {
	case "mock":
		engine = tts.NewMockEngine(interval)
	case "exec":
		if engine, err = tts.NewExecEngine(command); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown engine %q", mode)
	}

	registry, err := voice.NewRegistry(ctx, "captionctl", parseVoices(voiceList), nil, false, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	player := playback.New(engine, display.NewWriter(os.Stdout, prefix), playback.Options{
		Voices: registry,
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- player.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	run, err := player.SpeakAll(ctx, "", segments, voiceIndex)
	if err != nil {
		return err
	}
	select {
	case <-run.Done():
		if run.Cancelled() {
			return errors.New("playback cancelled")
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func parseVoices(value string) []voice.Voice {
	var voices []voice.Voice
	for _, entry := range strings.Split(value, ",") {
		name, lang, _ := strings.Cut(strings.TrimSpace(entry), ":")
		if name == "" {
			continue
		}
		voices = append(voices, voice.Voice{Name: strings.TrimSpace(name), Lang: strings.TrimSpace(lang)})
	}
	return voices
}

func busFlags(fs *flag.FlagSet) *string {
	return fs.String("servers", "nats://localhost:4222", "Comma separated NATS servers")
}

func connect(ctx context.Context, servers string) (*bus.Client, error) {
	cfg := config.BusConfig{ConnectTimeout: 2000}
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Servers = append(cfg.Servers, s)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, "captionctl", cfg, logger)
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		src        source
		sessionID  string
		voiceIndex int
		wait       time.Duration
	)
	src.register(fs)
	servers := busFlags(fs)
	fs.StringVar(&sessionID, "session", "", "Session id; generated when empty")
	fs.IntVar(&voiceIndex, "voice", -1, "Voice index on the runtime; negative uses the runtime default")
	fs.DurationVar(&wait, "wait", 0, "Wait this long for the run to finish")
	_ = fs.Parse(args)

	segments, err := src.segments(fs.Args())
	if err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	client, err := connect(ctx, *servers)
	if err != nil {
		return err
	}
	defer client.Close()

	var statuses chan protocol.RunStatus
	if wait > 0 {
		statuses = make(chan protocol.RunStatus, 1)
		sub, err := client.Conn().Subscribe(protocol.SubjectRunStatus, func(msg *nats.Msg) {
			var status protocol.RunStatus
			if json.Unmarshal(msg.Data, &status) == nil && status.SessionID == sessionID {
				select {
				case statuses <- status:
				default:
				}
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe run status: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	req := protocol.SpeakRequest{
		SessionID: sessionID,
		Segments:  segments,
		Timestamp: time.Now().UTC(),
	}
	if voiceIndex >= 0 {
		req.VoiceIndex = &voiceIndex
	}
	if err := client.PublishJSON(protocol.SubjectSpeak, req); err != nil {
		return err
	}
	if err := client.Conn().Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Println(sessionID)

	if statuses == nil {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case status := <-statuses:
		if status.Cancelled {
			return fmt.Errorf("run %d cancelled", status.Run)
		}
		fmt.Printf("run %d completed\n", status.Run)
		return nil
	case <-timer.C:
		return errors.New("timed out waiting for run status")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	servers := busFlags(fs)
	sessionID := fs.String("session", "", "Session id, for logging on the runtime")
	_ = fs.Parse(args)

	client, err := connect(ctx, *servers)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PublishJSON(protocol.SubjectCancel, protocol.CancelRequest{SessionID: *sessionID, Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	return client.Conn().Flush()
}
