// Package syncer implements one replication unit: the event-coalescing
// scheduler and the consistency pipeline that replicates snapshots of a
// watched directory to peer hosts.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rjeczalik/notify"
	"github.com/robfig/cron/v3"

	"github.com/openmined/anysyncd/internal/config"
	"github.com/openmined/anysyncd/internal/mail"
	"github.com/openmined/anysyncd/internal/mirror"
	"github.com/openmined/anysyncd/internal/remote"
	"github.com/openmined/anysyncd/internal/report"
	"github.com/openmined/anysyncd/internal/stamps"
	"github.com/openmined/anysyncd/internal/utils"
	"github.com/openmined/anysyncd/internal/watch"
)

// Syncer drives one configured replication unit. All scheduling state
// (pending set, lock, quiescence timer, watcher subscription) lives for the
// Syncer's full lifetime; pipeline work runs on a worker goroutine per run
// and posts its completion back to the event loop.
type Syncer struct {
	cfg      *config.SyncerConfig
	stamps   *stamps.Store
	reporter *report.Reporter
	mirror   mirror.Mirror
	runner   remote.Runner
	dist     remote.Distributor
	handler  handler

	// pending is shared between the event loop and the pipeline worker.
	// Draining and the post-mirror emptiness check take mu.
	mu      sync.Mutex
	pending mapset.Set[string]

	// Event loop state. Touched only on the run goroutine.
	locked bool
	timer  *time.Timer
	timerC <-chan time.Time
	events <-chan notify.EventInfo

	watcher *watch.Watcher
	cron    *cron.Cron
	cronC   chan struct{}
	doneC   chan error

	wg sync.WaitGroup
}

// New builds a Syncer from its validated configuration, wiring the default
// exec-backed transports.
func New(cfg *config.SyncerConfig) (*Syncer, error) {
	if cfg.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
		}
	}

	s := &Syncer{
		cfg:     cfg,
		stamps:  stamps.NewStore(cfg.StateDir, cfg.Name),
		mirror:  mirror.NewRsync(),
		runner:  remote.NewSSHRunner(cfg.RemotePrefixCommand),
		dist:    remote.NewCsync2(),
		pending: mapset.NewThreadUnsafeSet[string](),
		cronC:   make(chan struct{}, 1),
		doneC:   make(chan error, 1),
	}

	s.reporter = report.New(cfg.Name, cfg.AdminFrom, cfg.AdminTo, sendMail)

	s.watcher = watch.New(cfg.WatchDir, func(path string) bool {
		return cfg.Filter.MatchString(path)
	})

	switch cfg.Handler {
	case config.HandlerFileCopy:
		s.handler = &fileCopyHandler{s}
	case config.HandlerCsync2Rotate:
		s.handler = &csync2RotateHandler{s}
	default:
		return nil, fmt.Errorf("unknown handler kind %v", cfg.Handler)
	}

	return s, nil
}

func sendMail(ctx context.Context, from, to, subject, body string) error {
	return mail.Send(ctx, &mail.Message{From: from, To: to, Subject: subject, Body: body})
}

// Name returns the syncer's configured name.
func (s *Syncer) Name() string {
	return s.cfg.Name
}

// Start loads the stamps, subscribes the watcher, arms the cron trigger and
// launches the event loop. The first pipeline run is a full sync.
func (s *Syncer) Start(ctx context.Context) error {
	if err := s.stamps.Load(); err != nil {
		slog.Warn("failed to load stamps", "syncer", s.cfg.Name, "error", err)
	}

	s.refreshWatcher()

	if s.cfg.Cron != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.cfg.Cron, s.fireCron); err != nil {
			return fmt.Errorf("add cron trigger: %w", err)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.run(ctx)

	slog.Info("syncer start", "syncer", s.cfg.Name, "handler", s.cfg.Handler.String(), "watch", s.cfg.WatchDir)
	return nil
}

// Wait blocks until the event loop and any in-flight pipeline have finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) fireCron() {
	select {
	case s.cronC <- struct{}{}:
	default:
	}
}

// run is the per-syncer event loop. It owns the scheduling state and never
// blocks on sync work; pipelines run on worker goroutines.
func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()

	// one full sync immediately on startup
	s.startPipeline(ctx, true)

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.addPath(ev.Path())

		case <-s.timerC:
			s.timer = nil
			s.timerC = nil
			if s.locked {
				// dropped: the running pipeline observes the queue on its
				// next local-mirror iteration
				slog.Debug("quiescence timer fired while pipeline running", "syncer", s.cfg.Name)
				continue
			}
			s.startPipeline(ctx, false)

		case <-s.cronC:
			s.refreshWatcher()
			if s.locked || s.timer != nil {
				slog.Debug("cron tick skipped", "syncer", s.cfg.Name, "locked", s.locked, "timerArmed", s.timer != nil)
				continue
			}
			s.startPipeline(ctx, true)

		case err := <-s.doneC:
			s.locked = false
			if err != nil && !errors.Is(err, context.Canceled) {
				s.reporter.Report(ctx, err)
			}

		case <-ctx.Done():
			s.shutdown()
			return
		}
	}
}

// addPath is the coalescer's entry point: gate on the noop rule, queue the
// path, and arm the quiescence timer if none is running. The timer is not
// re-armed by later events; the first event of a burst fixes the window.
func (s *Syncer) addPath(paths ...string) {
	if s.noopPaused() {
		slog.Info("noop file absent, pausing syncer", "syncer", s.cfg.Name, "noopFile", s.cfg.NoopFile)
		s.stopWatcher()
		return
	}
	s.startWatcher()

	s.mu.Lock()
	for _, p := range paths {
		s.pending.Add(p)
	}
	s.mu.Unlock()

	if s.timer == nil {
		s.stamps.SetLastChange(time.Now())
		s.timer = time.NewTimer(s.cfg.WaitingTime)
		s.timerC = s.timer.C
		slog.Debug("quiescence window opened", "syncer", s.cfg.Name, "waitingTime", s.cfg.WaitingTime)
	}
}

// noopPaused reports whether the cluster-wide pause toggle is in effect:
// a noop file is configured but absent.
func (s *Syncer) noopPaused() bool {
	return s.cfg.NoopFile != "" && !utils.FileExists(s.cfg.NoopFile)
}

// refreshWatcher re-evaluates the noop rule and brings the subscription into
// the matching state. Called at bootstrap and on every cron tick.
func (s *Syncer) refreshWatcher() {
	if s.noopPaused() {
		s.stopWatcher()
		return
	}
	s.startWatcher()
}

func (s *Syncer) startWatcher() {
	if s.watcher.Active() {
		return
	}
	if err := s.watcher.Start(); err != nil {
		// the next trigger retries; full-mirror semantics cover missed events
		slog.Error("failed to start watcher", "syncer", s.cfg.Name, "error", err)
		return
	}
	s.events = s.watcher.Events()
}

func (s *Syncer) stopWatcher() {
	if !s.watcher.Active() {
		return
	}
	s.watcher.Stop()
	s.events = nil
}

// startPipeline takes the lock and runs the handler on a worker goroutine.
// A non-full invocation with nothing pending is a no-op.
func (s *Syncer) startPipeline(ctx context.Context, fullSync bool) {
	if s.locked {
		return
	}

	if !fullSync && s.pendingEmpty() {
		slog.Debug("nothing pending, skipping sync", "syncer", s.cfg.Name)
		return
	}

	s.locked = true
	slog.Info("pipeline start", "syncer", s.cfg.Name, "fullSync", fullSync)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.doneC <- s.runPipeline(ctx)
	}()
}

// runPipeline wraps the handler so that a panic in the worker still unwinds
// to the completion callback and releases the lock.
func (s *Syncer) runPipeline(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return s.handler.run(ctx)
}

// shutdown releases scheduling resources and waits for an in-flight
// pipeline to post its completion, so nothing leaks past the event loop.
func (s *Syncer) shutdown() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerC = nil
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	s.stopWatcher()
	if s.locked {
		<-s.doneC
		s.locked = false
	}
	slog.Info("syncer stop", "syncer", s.cfg.Name)
}
