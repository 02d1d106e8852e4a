package commandlog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
)

// Recorder defaults.
const (
	DefaultBuffer        = 1024
	DefaultPruneInterval = time.Hour

	// flushTimeout bounds the final write of buffered entries on shutdown.
	flushTimeout = 5 * time.Second

	// writeTimeout bounds a single insert.
	writeTimeout = 2 * time.Second
)

// Logger is the logging surface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// Buffer is the number of entries held while the writer is busy.
	Buffer int

	// Retention removes entries older than this. Zero keeps everything.
	Retention time.Duration

	// PruneInterval is how often old entries are removed.
	PruneInterval time.Duration

	Logger Logger
}

// Recorder writes command reports to a Repository.
//
// Thread Safety: OnEvent may be called from any goroutine.
type Recorder struct {
	repo          Repository
	retention     time.Duration
	pruneInterval time.Duration
	logger        Logger

	entries  chan Entry
	dropped  atomic.Uint64
	recorded atomic.Uint64
}

var _ conductor.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder. Call Run to start writing.
func NewRecorder(repo Repository, opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Recorder{
		repo:          repo,
		retention:     opts.Retention,
		pruneInterval: opts.PruneInterval,
		logger:        opts.Logger,
		entries:       make(chan Entry, opts.Buffer),
	}
}

// OnEvent implements conductor.Observer. Only command reports are kept.
func (r *Recorder) OnEvent(ev conductor.Event) {
	if ev.Type != conductor.EventCommandReport || ev.Report == nil {
		return
	}
	select {
	case r.entries <- FromReport(ev.Report):
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("command log buffer full, dropping entries")
		}
	}
}

// Dropped returns how many entries were lost to a full buffer.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Recorded returns how many entries were written.
func (r *Recorder) Recorded() uint64 {
	return r.recorded.Load()
}

// Run writes buffered entries until ctx is cancelled, then flushes what is
// left in the buffer.
func (r *Recorder) Run(ctx context.Context) {
	var prune <-chan time.Time
	if r.retention > 0 {
		ticker := time.NewTicker(r.pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		r.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case e := <-r.entries:
			r.write(ctx, e)
		case <-prune:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := r.repo.Record(ctx, &e); err != nil {
		r.logger.Error("recording command failed",
			"device_id", e.DeviceID,
			"action_id", e.ActionID,
			"error", err,
		)
		return
	}
	r.recorded.Add(1)
}

// flush writes every entry still buffered.
func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case e := <-r.entries:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	n, err := r.repo.Prune(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Error("pruning command log failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned command log", "removed", n)
	}
}
