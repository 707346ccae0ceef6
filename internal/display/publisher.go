package display

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Publisher broadcasts every window on the bus so remote surfaces can render
// the same caption.
type Publisher struct {
	bus     *bus.Client
	subject string
	log     *slog.Logger

	mu      sync.Mutex
	session string
	run     uint64
}

func NewPublisher(busClient *bus.Client, log *slog.Logger) *Publisher {
	return &Publisher{
		bus:     busClient,
		subject: protocol.SubjectWindow,
		log:     log.With(slog.String("component", "caption-publisher")),
	}
}

// Bind tags subsequent windows with the run they belong to.
func (p *Publisher) Bind(sessionID string, run uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = sessionID
	p.run = run
}

func (p *Publisher) Show(w caption.Window) {
	p.mu.Lock()
	msg := protocol.CaptionWindow{
		SessionID: p.session,
		Run:       p.run,
		Segment:   w.Segment,
		Start:     w.Start,
		Words:     w.Words,
		Text:      w.String(),
		Timestamp: time.Now().UTC(),
	}
	p.mu.Unlock()

	if err := p.bus.PublishJSON(p.subject, msg); err != nil {
		p.log.Warn("failed to publish caption window", slog.String("error", err.Error()))
	}
}
