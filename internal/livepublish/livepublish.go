// Package livepublish implements the optional Live Region Publisher (C10):
// a best-effort, non-blocking mirror of every tracker start/end region
// emission to a remote observer over gRPC.
package livepublish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fireperf/tracerv/internal/tracetracker"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff      = 2 * time.Minute

	publishStreamMethod = "/tracerv.LivePublishService/PublishRegions"
)

var publishStreamDesc = grpc.StreamDesc{
	StreamName:    "PublishRegions",
	ClientStreams: true,
}

// RegionEvent is one JSON-encoded record pushed to the remote observer.
type RegionEvent struct {
	RunID  string `json:"run_id"`
	Binary string `json:"binary"`
	Label  string `json:"label"`
	Indent int    `json:"indent"`
	Cycle  uint64 `json:"cycle"`
	Kind   string `json:"kind"` // "start" or "end"
}

// Config configures a Publisher.
type Config struct {
	Addr           string
	RunID          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
}

// Publisher mirrors region events to a remote observer, reconnecting with
// exponential backoff. Publish never blocks the caller: events are dropped
// (and counted) when the outbound queue is full; while no stream is
// connected, events wait in the queue until it fills. This matches the
// "never apply back-pressure to the ingestion path" rule this is grounded on.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	events chan RegionEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// New constructs a Publisher. Call Start to begin connecting.
func New(cfg Config, logger *slog.Logger) *Publisher {
	cfg.applyDefaults()
	return &Publisher{cfg: cfg, logger: logger, events: make(chan RegionEvent, 4096)}
}

// Start launches the background connect/send loop.
func (p *Publisher) Start(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.connectLoop(connectCtx)
}

// Stop cancels the connect loop and waits for it to exit.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Publish implements dispatcher.RegionSink. It never blocks: a full queue
// drops the event and increments the drop counter.
func (p *Publisher) Publish(binary string, m tracetracker.LabelMeta, kind string) {
	evt := RegionEvent{
		RunID:  p.cfg.RunID,
		Binary: binary,
		Label:  m.Label,
		Indent: m.Indent,
		Cycle:  m.EndCycle,
		Kind:   kind,
	}
	select {
	case p.events <- evt:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Publisher) connectLoop(ctx context.Context) {
	defer p.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		wasConnected, err := p.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			b.Reset()
		}
		if err != nil {
			p.logger.Warn("livepublish: stream ended", "error", err, "addr", p.cfg.Addr)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Publisher) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(p.cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", p.cfg.Addr, err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &publishStreamDesc, publishStreamMethod)
	if err != nil {
		return false, fmt.Errorf("open publish stream: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case evt := <-p.events:
			payload, err := json.Marshal(evt)
			if err != nil {
				p.logger.Warn("livepublish: marshal region event", "error", err)
				continue
			}
			if err := stream.SendMsg(&wrapperspb.BytesValue{Value: payload}); err != nil {
				return true, fmt.Errorf("send region event: %w", err)
			}
		}
	}
}
