package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// maxMirrorAttempts is a safety ceiling against pathological write loads,
// not a retry policy for transport failures.
const maxMirrorAttempts = 100

// stampsResponseRe matches the remote helper's one-line stamps response
// "<success>:<lastchange>". Either field may be empty when the peer has
// never synced or never observed a change.
var stampsResponseRe = regexp.MustCompile(`^([0-9]{0,10}):([0-9]{0,10})$`)

// handler is the closed set of pipeline variants behind a syncer.
type handler interface {
	run(ctx context.Context) error
}

// fileCopyHandler mirrors a local source into a local destination. No
// network phase; success is stamped after the local-mirror loop settles.
type fileCopyHandler struct {
	s *Syncer
}

func (h *fileCopyHandler) run(ctx context.Context) error {
	start, err := h.s.localMirrorLoop(ctx, h.s.cfg.From, h.s.cfg.To)
	if err != nil {
		return err
	}

	h.s.stamps.SetSuccess(start)
	slog.Info("sync complete", "syncer", h.s.cfg.Name, "success", start.Unix())
	return nil
}

// csync2RotateHandler runs the full consistency pipeline: settle a local
// snapshot, veto peers with unreconciled local changes, distribute the
// snapshot to the group, and commit the atomic swap on every peer.
type csync2RotateHandler struct {
	s *Syncer
}

func (h *csync2RotateHandler) run(ctx context.Context) error {
	cfg := h.s.cfg

	start, err := h.s.localMirrorLoop(ctx, cfg.ProdDir, cfg.CsyncDir)
	if err != nil {
		return err
	}

	if err := h.s.checkPeerFreshness(ctx); err != nil {
		return err
	}

	if err := h.s.dist.Distribute(ctx, cfg.CsyncGroup); err != nil {
		return fmt.Errorf("distribute group %s: %w", cfg.CsyncGroup, err)
	}

	if err := h.s.commitPeers(ctx); err != nil {
		return err
	}

	// success refers to the moment after which no unreplicated change could
	// have been initiated locally, not the commit time
	h.s.stamps.SetSuccess(start)
	slog.Info("sync complete", "syncer", cfg.Name, "hosts", cfg.RemoteHosts, "success", start.Unix())
	return nil
}

// drainPending atomically empties the pending set and returns what it held.
func (s *Syncer) drainPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := s.pending.ToSlice()
	s.pending.Clear()
	return paths
}

func (s *Syncer) pendingEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Cardinality() == 0
}

// localMirrorLoop drives the mirror primitive until an iteration completes
// with no error and nothing newly pending — a consistent snapshot. Each
// iteration drains the queue first and captures its start time, so the
// returned timestamp predates the final successful mirror. Attempts keep a
// minimum spacing of retryInterval.
func (s *Syncer) localMirrorLoop(ctx context.Context, src, dst string) (time.Time, error) {
	for attempt := 1; attempt <= maxMirrorAttempts; attempt++ {
		drained := s.drainPending()
		start := time.Now()

		err := s.mirror.Mirror(ctx, src, dst)
		if err == nil {
			if s.pendingEmpty() {
				slog.Debug("local mirror settled", "syncer", s.cfg.Name, "attempt", attempt, "drained", len(drained))
				return start, nil
			}
			slog.Debug("changes arrived during mirror", "syncer", s.cfg.Name, "attempt", attempt)
		} else {
			if ctx.Err() != nil {
				return time.Time{}, ctx.Err()
			}
			slog.Warn("local mirror attempt failed", "syncer", s.cfg.Name, "attempt", attempt, "error", err)
		}

		if wait := time.Until(start.Add(s.cfg.RetryInterval)); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			}
		}
	}

	return time.Time{}, fmt.Errorf("could not achieve a consistent local sync state after %d retries", maxMirrorAttempts)
}

// checkPeerFreshness queries every peer's stamps and vetoes the pipeline if
// any peer has observed local changes newer than its last confirmed sync.
// An empty field on either side means unknown and does not veto.
func (s *Syncer) checkPeerFreshness(ctx context.Context) error {
	for _, host := range s.cfg.RemoteHosts {
		out, err := s.runner.Run(ctx, host, s.helperArgv("stamps")...)
		if err != nil {
			return fmt.Errorf("query stamps on %s: %w", host, err)
		}

		peerSuccess, peerLastChange, err := parseStampsResponse(out)
		if err != nil {
			return fmt.Errorf("stamps response from %s: %w", host, err)
		}

		if peerSuccess >= 0 && peerLastChange >= 0 && peerLastChange > peerSuccess {
			return fmt.Errorf("peer %s has local changes (lastchange %d > success %d), refusing to overwrite", host, peerLastChange, peerSuccess)
		}
	}
	return nil
}

// parseStampsResponse parses "<success>:<lastchange>". Empty fields come
// back as -1.
func parseStampsResponse(out string) (int64, int64, error) {
	m := stampsResponseRe.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return 0, 0, fmt.Errorf("malformed response %q", strings.TrimSpace(out))
	}

	success, lastChange := int64(-1), int64(-1)
	if m[1] != "" {
		success, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m[2] != "" {
		lastChange, _ = strconv.ParseInt(m[2], 10, 64)
	}
	return success, lastChange, nil
}

// commitPeers invokes the remote commit on every peer. Failures are
// accumulated per host; peers that already committed stay committed even
// when a later peer fails.
func (s *Syncer) commitPeers(ctx context.Context) error {
	var errs *multierror.Error
	for _, host := range s.cfg.RemoteHosts {
		if _, err := s.runner.Run(ctx, host, s.helperArgv("commit")...); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("commit on %s: %w", host, err))
		}
	}
	return errs.ErrorOrNil()
}

func (s *Syncer) helperArgv(action string) []string {
	return []string{s.cfg.HelperCommand, action, s.cfg.Name}
}
