package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry merges the locally configured voices with voice lists announced
// by engines on the bus. Announcements may arrive at any time; callers take
// a Snapshot when a run starts and select from that.
type Registry struct {
	source string
	log    *slog.Logger
	bus    *bus.Client

	mu       sync.RWMutex
	sources  map[string][]Voice
	snapshot []Voice

	subs  []*nats.Subscription
	meter metric.Meter
}

// NewRegistry registers configured under the local source name. When
// busClient is non-nil it subscribes to voice announcements and, if announce
// is set, publishes the local list for other runtimes.
func NewRegistry(ctx context.Context, source string, configured []Voice, busClient *bus.Client, announce bool, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		source:  source,
		log:     log.With(slog.String("component", "voice-registry")),
		bus:     busClient,
		sources: make(map[string][]Voice),
		meter:   otel.Meter("github.com/loqalabs/loqa-captions/voice"),
	}
	r.Update(source, configured)

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if busClient == nil {
		return r, nil
	}
	if err := r.subscribe(); err != nil {
		return nil, err
	}
	if announce && len(configured) > 0 {
		if err := r.announce(ctx, configured); err != nil {
			r.log.Warn("failed to announce voices", slogError(err))
		}
	}
	return r, nil
}

func (r *Registry) Close() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectVoicesPrefix+".>", r.handleVoices)
	if err != nil {
		return fmt.Errorf("subscribe voices: %w", err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Registry) announce(ctx context.Context, voices []Voice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := protocol.VoiceList{Source: r.source, Timestamp: time.Now().UTC()}
	for _, v := range voices {
		msg.Voices = append(msg.Voices, protocol.VoiceInfo{Name: v.Name, Lang: v.Lang})
	}
	return r.bus.PublishJSON(protocol.SubjectVoicesPrefix+"."+r.source, msg)
}

func (r *Registry) handleVoices(msg *nats.Msg) {
	var list protocol.VoiceList
	if err := json.Unmarshal(msg.Data, &list); err != nil {
		r.log.Warn("invalid voice list", slogError(err))
		return
	}
	if list.Source == "" {
		r.log.Warn("voice list without source", slog.String("subject", msg.Subject))
		return
	}
	r.Update(list.Source, fromProtocol(list.Voices))
	r.log.Debug("voice list updated", slog.String("source", list.Source), slog.Int("voices", len(list.Voices)))
}

// Update replaces the voices offered by source. An empty list removes it.
func (r *Registry) Update(source string, voices []Voice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(voices) == 0 {
		delete(r.sources, source)
	} else {
		r.sources[source] = append([]Voice(nil), voices...)
	}
	r.rebuild()
}

// rebuild orders the local source first, then the others by name, so
// indices stay stable between announcements. Callers hold r.mu.
func (r *Registry) rebuild() {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		if name != r.source {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	snapshot := append([]Voice(nil), r.sources[r.source]...)
	for _, name := range names {
		snapshot = append(snapshot, r.sources[name]...)
	}
	r.snapshot = snapshot
}

// Snapshot returns the current voice list.
func (r *Registry) Snapshot() []Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Voice(nil), r.snapshot...)
}

// Select picks a voice from the current list. An out-of-range index yields
// the engine default.
func (r *Registry) Select(index int) (Voice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Select(r.snapshot, index)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshot)
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.captions.voices", metric.WithDescription("Number of selectable voices"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
