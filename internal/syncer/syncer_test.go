package syncer

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/anysyncd/internal/config"
)

func TestAddPathArmsTimerOnce(t *testing.T) {
	s := newTestSyncer(t, twoPhaseConfig(), &fakeMirror{}, &fakeRunner{}, &fakeDistributor{})
	s.cfg.WaitingTime = time.Hour // never fires during the test
	defer s.shutdown()

	s.addPath("/srv/www/a.txt")
	require.NotNil(t, s.timer)
	firstTimer := s.timer
	firstLastChange := s.stamps.LastChange()
	assert.Positive(t, firstLastChange)

	// further events accumulate but neither re-arm the timer nor re-stamp
	s.addPath("/srv/www/b.txt", "/srv/www/c.txt")
	assert.Same(t, firstTimer, s.timer)
	assert.Equal(t, firstLastChange, s.stamps.LastChange())

	s.mu.Lock()
	assert.Equal(t, 3, s.pending.Cardinality())
	s.mu.Unlock()
}

func TestAddPathNoopGate(t *testing.T) {
	cfg := twoPhaseConfig()
	noop := filepath.Join(t.TempDir(), "running")
	cfg.NoopFile = noop

	s := newTestSyncer(t, cfg, &fakeMirror{}, &fakeRunner{}, &fakeDistributor{})
	defer s.shutdown()

	// noop file absent: the syncer is paused, add-path is a no-op
	s.addPath("/srv/www/a.txt")
	assert.True(t, s.pendingEmpty())
	assert.Nil(t, s.timer)
	assert.Zero(t, s.stamps.LastChange())
	assert.False(t, s.watcher.Active())

	// file returns: events flow again
	require.NoError(t, os.WriteFile(noop, nil, 0644))
	s.addPath("/srv/www/a.txt")
	assert.False(t, s.pendingEmpty())
	assert.NotNil(t, s.timer)
	assert.True(t, s.watcher.Active())
}

func TestRefreshWatcherFollowsNoopRule(t *testing.T) {
	cfg := twoPhaseConfig()
	noop := filepath.Join(t.TempDir(), "running")
	cfg.NoopFile = noop

	s := newTestSyncer(t, cfg, &fakeMirror{}, &fakeRunner{}, &fakeDistributor{})
	defer s.shutdown()

	s.refreshWatcher()
	assert.False(t, s.watcher.Active())

	require.NoError(t, os.WriteFile(noop, nil, 0644))
	s.refreshWatcher()
	assert.True(t, s.watcher.Active())

	require.NoError(t, os.Remove(noop))
	s.refreshWatcher()
	assert.False(t, s.watcher.Active())
}

func TestStartPipelineSkipsWhenNothingPending(t *testing.T) {
	m := &fakeMirror{}
	s := newTestSyncer(t, twoPhaseConfig(), m, &fakeRunner{}, &fakeDistributor{})

	s.startPipeline(context.Background(), false)
	assert.False(t, s.locked)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, m.callCount())
}

func TestStartPipelineFullSyncRunsWithEmptyPending(t *testing.T) {
	m := &fakeMirror{}
	r := &fakeRunner{stampsOut: map[string]string{"peer1": ":", "peer2": ":"}}
	s := newTestSyncer(t, twoPhaseConfig(), m, r, &fakeDistributor{})

	s.startPipeline(context.Background(), true)
	require.True(t, s.locked)

	select {
	case err := <-s.doneC:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not complete")
	}
	assert.Equal(t, 1, m.callCount())
}

func TestStartPipelineSerialized(t *testing.T) {
	m := &fakeMirror{block: make(chan struct{})}
	r := &fakeRunner{stampsOut: map[string]string{"peer1": ":", "peer2": ":"}}
	s := newTestSyncer(t, twoPhaseConfig(), m, r, &fakeDistributor{})

	s.startPipeline(context.Background(), true)
	require.True(t, s.locked)

	// a second invocation while locked is a no-op
	s.startPipeline(context.Background(), true)

	close(m.block)
	select {
	case <-s.doneC:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not complete")
	}
	assert.Equal(t, 1, m.callCount())
}

func TestPipelinePanicReleasesToCompletion(t *testing.T) {
	m := &fakeMirror{}
	m.onCall = func(call int) {
		panic("boom")
	}
	s := newTestSyncer(t, twoPhaseConfig(), m, &fakeRunner{}, &fakeDistributor{})

	s.startPipeline(context.Background(), true)
	require.True(t, s.locked)

	select {
	case err := <-s.doneC:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline panic")
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not unwind to the completion channel")
	}
}

// TestEventDrivenSync exercises the whole loop: watcher event -> coalesce ->
// quiescence window -> pipeline -> success stamp.
func TestEventDrivenSync(t *testing.T) {
	m := &fakeMirror{}
	r := &fakeRunner{stampsOut: map[string]string{"peer1": ":", "peer2": ":"}}
	d := &fakeDistributor{}

	cfg := twoPhaseConfig()
	s := newTestSyncer(t, cfg, m, r, d)
	cfg.WaitingTime = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	// the initial full sync must settle first
	require.Eventually(t, func() bool {
		return m.callCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDir, "a.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool {
		return m.callCount() >= 2 && s.stamps.Success() > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	s.Wait()
	assert.False(t, s.watcher.Active())
}

func TestFilteredEventsDoNotTrigger(t *testing.T) {
	m := &fakeMirror{}
	r := &fakeRunner{stampsOut: map[string]string{"peer1": ":", "peer2": ":"}}

	cfg := twoPhaseConfig()
	s := newTestSyncer(t, cfg, m, r, &fakeDistributor{})
	cfg.WaitingTime = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool {
		return m.callCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDir, "scratch.swp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDir, "upload.tmp"), []byte("x"), 0644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, m.callCount())
	assert.Zero(t, s.stamps.LastChange())

	cancel()
	s.Wait()
}

func TestNewRejectsInvalidCron(t *testing.T) {
	cfg := twoPhaseConfig()
	cfg.StateDir = t.TempDir()
	cfg.WatchDir = t.TempDir()
	cfg.Filter = regexp.MustCompile(config.DefaultFilter)
	cfg.Cron = "not a cron expression"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron")
}
