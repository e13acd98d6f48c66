// Command tracerv runs the instruction-trace resolution and call-stack
// reconstruction core: it loads a YAML configuration file, loads the kernel
// and user binaries it names, builds the reverse instruction index, and
// drives the matcher/tracker pipeline against a beat source until SIGINT or
// SIGTERM triggers a graceful flush.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/bridge"
	"github.com/fireperf/tracerv/internal/config"
	"github.com/fireperf/tracerv/internal/dispatcher"
	"github.com/fireperf/tracerv/internal/dump"
	"github.com/fireperf/tracerv/internal/livepublish"
	"github.com/fireperf/tracerv/internal/matcher"
	"github.com/fireperf/tracerv/internal/metrics"
	"github.com/fireperf/tracerv/internal/reverseindex"
	"github.com/fireperf/tracerv/internal/status"
	"github.com/fireperf/tracerv/internal/tokenbuf"
	"github.com/fireperf/tracerv/internal/tracetracker"
)

func main() {
	configPath := flag.String("config", "/etc/tracerv/config.yaml", "path to the tracerv YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracerv: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	runID := uuid.New().String()
	logger.Info("configuration loaded", "config_path", *configPath, "run_id", runID, "trace_output_format", cfg.TraceOutputFormat)

	// trace_test_output takes priority over trace_output_format, matching
	// the bridge's own dump-or-fireperf precedence; both bypass the
	// matcher/tracker pipeline entirely (spec.md §6).
	if cfg.TraceOutputFormat != 2 || cfg.TraceTestOutput {
		if err := runDumpMode(cfg, logger); err != nil {
			logger.Error("dump mode failed", "error", err)
			os.Exit(1)
		}
		logger.Info("tracerv exited cleanly (dump mode)")
		os.Exit(0)
	}

	kernel, users, err := binload.Load(cfg.DwarfDir, cfg.DwarfFileName)
	if err != nil {
		logger.Error("failed to load binaries", "error", err)
		os.Exit(1)
	}
	logger.Info("binaries loaded", "kernel", kernel.Name, "user_count", len(users))

	idx := reverseindex.New()
	for _, u := range users {
		hexPath := filepath.Join(cfg.DwarfDir, "user", u.Name, "hex")
		skipped, err := idx.BuildFromHexDump(hexPath, u)
		if err != nil {
			logger.Error("failed to build reverse index", "binary", u.Name, "error", err)
			os.Exit(1)
		}
		if skipped > 0 {
			logger.Warn("skipped malformed hex dump lines", "binary", u.Name, "skipped", skipped)
		}
	}

	buf := tokenbuf.New(cfg.BufferSize)
	m := matcher.New(kernel, idx, buf, cfg.MatchingDepth)

	tf, err := openTrackerFiles(cfg.Tracefile, kernel, users)
	if err != nil {
		logger.Error("failed to open output files", "error", err)
		os.Exit(1)
	}
	defer tf.closeAll()

	snap := status.NewSnapshot(runID)

	var publisher *livepublish.Publisher
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.LivePublishAddr != "" {
		publisher = livepublish.New(livepublish.Config{Addr: cfg.LivePublishAddr, RunID: runID}, logger)
		publisher.Start(ctx)
		defer publisher.Stop()
	}

	sink := &fanoutSink{snap: snap, publisher: publisher}

	src := bridge.NewReaderBeatSource(os.Stdin)
	pipeline := dispatcher.New(dispatcher.Config{
		Userspace:     cfg.Userspace,
		MaxCoreIPC:    cfg.MaxCoreIPC,
		StreamDepth:   64,
		MatchingDepth: cfg.MatchingDepth,
		BufferSize:    cfg.BufferSize,
	}, src, logger, kernel, users, m, tf.perBinary, tf.misc, sink)

	if cfg.StatusAddr != "" {
		startStatusServer(ctx, cfg, snap, pipeline, publisher, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runErr := make(chan error, 1)
	go func() {
		for {
			if err := pipeline.Tick(); err != nil {
				runErr <- err
				return
			}
			updateSnapshot(snap, pipeline)
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-runErr:
		if err != io.EOF {
			logger.Warn("beat source ended with error", "error", err)
		}
	}

	if err := pipeline.Flush(); err != nil {
		logger.Error("flush failed", "error", err)
		os.Exit(1)
	}
	if err := concatenateFinal(tf); err != nil {
		logger.Error("failed to concatenate final trace file", "error", err)
		os.Exit(1)
	}
	updateSnapshot(snap, pipeline)
	logger.Info("tracerv exited cleanly")
}

// runDumpMode drives trace_output_format 0 ("human"), 1 ("raw"), and
// trace_test_output directly off stdin, bypassing the loader, reverse
// index, and matcher/tracker pipeline entirely (SPEC_FULL §6). An empty
// tracefile means the beats are consumed and discarded, same as fireperf
// mode's "if absent, the core consumes and discards beats" (spec.md §6).
func runDumpMode(cfg *config.Config, logger *slog.Logger) error {
	var out io.Writer = io.Discard
	if cfg.Tracefile != "" {
		outPath := fmt.Sprintf("%s-C%d", cfg.Tracefile, tracerNo)
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("open dump output: %w", err)
		}
		defer f.Close()
		out = f
		logger.Info("dump mode writing output", "output", outPath)
	} else {
		logger.Info("no tracefile configured; consuming and discarding beats")
	}

	switch {
	case cfg.TraceTestOutput:
		return dump.TestOutput(out, os.Stdin)
	case cfg.TraceOutputFormat == 0:
		return dump.Human(out, os.Stdin)
	default: // trace_output_format == 1
		_, err := dump.Raw(out, os.Stdin)
		return err
	}
}

// fanoutSink implements dispatcher.RegionSink, mirroring every region
// emission into both the status snapshot ring and (if enabled) the Live
// Region Publisher, without the tracker depending on either directly.
type fanoutSink struct {
	snap      *status.Snapshot
	publisher *livepublish.Publisher
}

func (f *fanoutSink) Publish(binary string, m tracetracker.LabelMeta, kind string) {
	f.snap.RecordRegion(binary, status.RegionLine{Kind: kind, Label: m.Label, Indent: m.Indent, Cycle: m.EndCycle})
	if f.publisher != nil {
		f.publisher.Publish(binary, m, kind)
	}
}

func updateSnapshot(snap *status.Snapshot, p *dispatcher.Pipeline) {
	depths := make(map[string]int)
	for name, tr := range p.Trackers() {
		depths[name] = tr.Depth()
	}
	snap.Update(p.TokensProcessed(), p.Matcher().MatchedCount(), p.Matcher().UnmatchedCount(), p.Matcher().AmbiguousBinaryCount(), p.BufferDepth(), depths)
}

func startStatusServer(ctx context.Context, cfg *config.Config, snap *status.Snapshot, p *dispatcher.Pipeline, publisher *livepublish.Publisher, logger *slog.Logger) {
	var pubKey *rsa.PublicKey
	if cfg.StatusJWTPublicKeyPath != "" {
		key, err := loadRSAPublicKey(cfg.StatusJWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load status JWT public key", "error", err)
			os.Exit(1)
		}
		pubKey = key
	}

	mux := http.NewServeMux()
	mux.Handle("/", status.NewRouter(status.NewServer(snap), pubKey))
	metricsSrc := metrics.Source{
		TokensProcessed: p.TokensProcessed,
		Matched:         p.Matcher().MatchedCount,
		Unmatched:       p.Matcher().UnmatchedCount,
		AmbiguousBinary: p.Matcher().AmbiguousBinaryCount,
		BufferDepth:     p.BufferDepth,
	}
	if publisher != nil {
		metricsSrc.LivePublishDropped = publisher.Dropped
	}
	mux.Handle("/metrics", metrics.New(metricsSrc).Handler())

	srv := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status service listening", "addr", cfg.StatusAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status service error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("parse %q: no PEM block found", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// tracerNo is the FPGA-side tracerv bridge widget index embedded in every
// output file name ("-C<n>", spec.md §6). This build only ever drives a
// single bridge instance.
const tracerNo = 0

// trackerFiles bundles every file handle openTrackerFiles opens: the
// per-binary/misc writers the dispatcher appends to, the final file the
// shutdown path concatenates them into, and the fixed insertion order
// (kernel, each user binary, misc) that concatenation must follow.
type trackerFiles struct {
	perBinary map[*binload.Binary]io.Writer
	misc      io.Writer
	final     *os.File
	ordered   []*os.File // kernel, users..., misc, in insertion order
	closeAll  func()
}

// openTrackerFiles opens one output file per binary plus "misc" and the
// final concatenated file, all named "<tracefile>[-<suffix>]-C<n>" per
// spec.md §6, under scoped acquisition: the returned closer closes every
// handle regardless of which ones succeeded. An empty tracefile opens no
// files: every tracker writes to io.Discard and there is nothing to
// concatenate.
func openTrackerFiles(tracefile string, kernel *binload.Binary, users []*binload.Binary) (*trackerFiles, error) {
	out := make(map[*binload.Binary]io.Writer)
	var handles []*os.File

	if tracefile == "" {
		if kernel != nil {
			out[kernel] = io.Discard
		}
		for _, u := range users {
			out[u] = io.Discard
		}
		return &trackerFiles{perBinary: out, misc: io.Discard, closeAll: func() {}}, nil
	}

	open := func(suffix string) (*os.File, error) {
		name := fmt.Sprintf("%s-%s-C%d", tracefile, suffix, tracerNo)
		if suffix == "" {
			name = fmt.Sprintf("%s-C%d", tracefile, tracerNo)
		}
		f, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		handles = append(handles, f)
		return f, nil
	}

	closeAll := func() {
		for _, f := range handles {
			_ = f.Close()
		}
	}

	final, err := open("")
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("open final output: %w", err)
	}

	var ordered []*os.File

	if kernel != nil {
		f, err := open("kernel")
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open kernel output: %w", err)
		}
		out[kernel] = f
		ordered = append(ordered, f)
	}
	for _, u := range users {
		f, err := open(u.Name)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s output: %w", u.Name, err)
		}
		out[u] = f
		ordered = append(ordered, f)
	}
	miscFile, err := open("misc")
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("open misc output: %w", err)
	}
	ordered = append(ordered, miscFile)

	return &trackerFiles{
		perBinary: out,
		misc:      miscFile,
		final:     final,
		ordered:   ordered,
		closeAll:  closeAll,
	}, nil
}

// concatenateFinal implements the shutdown half of spec.md §5 Cancellation:
// "closes and concatenates per-binary files into the final output in a
// fixed (insertion) order." Each source file is re-read from its start, so
// this must run after every tracker has flushed but before the handles are
// closed.
func concatenateFinal(tf *trackerFiles) error {
	for _, f := range tf.ordered {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", f.Name(), err)
		}
		if _, err := io.Copy(tf.final, f); err != nil {
			return fmt.Errorf("concatenate %s into final: %w", f.Name(), err)
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
