package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff      = 2 * time.Minute
	defaultDialTimeout     = 30 * time.Second

	beatStreamMethod = "/tracerv.BeatService/BeatStream"
)

// beatStreamDesc describes a server-streaming RPC that delivers beat
// chunks; it is constructed by hand (there is no generated .pb.go for this
// service) rather than via protoc, mirroring the wrapperspb-as-payload
// pattern used by the Live Region Publisher.
var beatStreamDesc = grpc.StreamDesc{
	StreamName:    "BeatStream",
	ServerStreams: true,
}

// GRPCConfig configures a GRPCBeatSource.
type GRPCConfig struct {
	// Addr is the "host:port" of the remote beat producer.
	Addr string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout bounds each connection attempt. Defaults to 30 seconds
	// when zero.
	DialTimeout time.Duration
}

func (c *GRPCConfig) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// GRPCBeatSource dials a remote beat producer over gRPC and exposes the
// BeatSource contract, backed by a server-streaming call delivering
// wrapperspb.BytesValue chunks (each a whole multiple of
// STREAM_WIDTH_BYTES). It reconnects with exponential backoff exactly as
// the agent transport this module is grounded on reconnects its alert
// stream.
type GRPCBeatSource struct {
	cfg    GRPCConfig
	logger *slog.Logger

	chunks chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending []byte // leftover bytes from a chunk that didn't fit the caller's dst
}

// NewGRPCBeatSource creates a GRPCBeatSource. Call Start to begin
// connecting; Pull is safe to call as soon as Start returns.
func NewGRPCBeatSource(cfg GRPCConfig, logger *slog.Logger) *GRPCBeatSource {
	cfg.applyDefaults()
	return &GRPCBeatSource{cfg: cfg, logger: logger, chunks: make(chan []byte, 64)}
}

// Start launches the background connect loop.
func (s *GRPCBeatSource) Start(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.connectLoop(connectCtx)
}

// Stop cancels the connect loop and waits for it to exit.
func (s *GRPCBeatSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Pull satisfies BeatSource by draining buffered chunks received from the
// stream. It blocks until at least one byte is available, the context the
// source was started with is cancelled (io.EOF), or the stream is
// permanently closed (io.EOF).
func (s *GRPCBeatSource) Pull(dst []byte, streamDepth int) (int, error) {
	want := streamDepth * 64
	if want > len(dst) {
		want = len(dst)
	}
	n := 0
	if len(s.pending) > 0 {
		n = copy(dst[:want], s.pending)
		s.pending = s.pending[n:]
		if n == want {
			return n, nil
		}
	}

	chunk, ok := <-s.chunks
	if !ok {
		return n, io.EOF
	}
	copied := copy(dst[n:want], chunk)
	n += copied
	if copied < len(chunk) {
		s.pending = append(s.pending, chunk[copied:]...)
	}
	return n, nil
}

func (s *GRPCBeatSource) connectLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.chunks)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("bridge: connecting to beat producer", "addr", s.cfg.Addr)
		wasConnected, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			b.Reset()
		}
		if err != nil {
			s.logger.Warn("bridge: beat stream ended", "error", err, "addr", s.cfg.Addr)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Error("bridge: backoff exhausted; giving up")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *GRPCBeatSource) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(s.cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	defer conn.Close()

	// The stream lives as long as streamCtx, so DialTimeout only cancels it
	// if opening the stream has not finished in time.
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	openTimer := time.AfterFunc(s.cfg.DialTimeout, streamCancel)
	stream, err := conn.NewStream(streamCtx, &beatStreamDesc, beatStreamMethod)
	if !openTimer.Stop() && err == nil {
		err = context.DeadlineExceeded
	}
	if err != nil {
		return false, fmt.Errorf("open beat stream: %w", err)
	}

	for {
		var msg wrapperspb.BytesValue
		if err := stream.RecvMsg(&msg); err != nil {
			if err == io.EOF {
				return true, nil
			}
			return true, fmt.Errorf("recv beat chunk: %w", err)
		}
		select {
		case s.chunks <- msg.Value:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
