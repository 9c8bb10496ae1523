package syncer

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/anysyncd/internal/config"
	"github.com/openmined/anysyncd/internal/mirror"
	"github.com/openmined/anysyncd/internal/remote"
	"github.com/openmined/anysyncd/internal/report"
	"github.com/openmined/anysyncd/internal/stamps"
	"github.com/openmined/anysyncd/internal/watch"
)

type fakeMirror struct {
	mu     sync.Mutex
	calls  int
	errSeq []error // per-call errors; nil beyond the sequence
	onCall func(call int)
	block  chan struct{} // when set, Mirror waits on it
}

func (m *fakeMirror) Mirror(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	m.calls++
	call := m.calls
	var err error
	if call-1 < len(m.errSeq) {
		err = m.errSeq[call-1]
	}
	cb := m.onCall
	block := m.block
	m.mu.Unlock()

	if cb != nil {
		cb(call)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *fakeMirror) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeRunner struct {
	mu        sync.Mutex
	stampsOut map[string]string
	stampsErr map[string]error
	commitErr map[string]error
	commits   []string
	queries   []string
}

func (r *fakeRunner) Run(ctx context.Context, host string, argv ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	action := argv[1]
	switch action {
	case "stamps":
		r.queries = append(r.queries, host)
		if err := r.stampsErr[host]; err != nil {
			return "", err
		}
		return r.stampsOut[host], nil
	case "commit":
		r.commits = append(r.commits, host)
		return "", r.commitErr[host]
	}
	return "", nil
}

func (r *fakeRunner) committed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commits...)
}

type fakeDistributor struct {
	mu     sync.Mutex
	groups []string
	err    error
}

func (d *fakeDistributor) Distribute(ctx context.Context, group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = append(d.groups, group)
	return d.err
}

func (d *fakeDistributor) distributed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.groups...)
}

func newTestSyncer(t *testing.T, cfg *config.SyncerConfig, m mirror.Mirror, r remote.Runner, d remote.Distributor) *Syncer {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "testsync"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	if cfg.WatchDir == "" {
		cfg.WatchDir = t.TempDir()
	}
	if cfg.Filter == nil {
		cfg.Filter = regexp.MustCompile(config.DefaultFilter)
	}
	if cfg.WaitingTime == 0 {
		cfg.WaitingTime = 30 * time.Millisecond
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	if cfg.HelperCommand == "" {
		cfg.HelperCommand = "anysyncd-helper"
	}
	if cfg.CsyncGroup == "" {
		cfg.CsyncGroup = cfg.Name
	}

	s := &Syncer{
		cfg:     cfg,
		stamps:  stamps.NewStore(cfg.StateDir, cfg.Name),
		mirror:  m,
		runner:  r,
		dist:    d,
		pending: mapset.NewThreadUnsafeSet[string](),
		cronC:   make(chan struct{}, 1),
		doneC:   make(chan error, 1),
	}
	s.reporter = report.New(cfg.Name, "", "", nil)
	s.watcher = watch.New(cfg.WatchDir, func(path string) bool {
		return cfg.Filter.MatchString(path)
	})

	switch cfg.Handler {
	case config.HandlerFileCopy:
		s.handler = &fileCopyHandler{s}
	case config.HandlerCsync2Rotate:
		s.handler = &csync2RotateHandler{s}
	}

	return s
}
