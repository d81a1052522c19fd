package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron"

	"github.com/antigravity-dev/cortex/internal/store"
)

// StaleSweeper periodically removes lease sentinels (and their mirrored
// index rows) whose last heartbeat exceeds a staleness bound, recovering
// assignments abandoned by a crashed worker (spec §4.2). Grounded on the
// teacher's CleanDeadSessions sweep.
type StaleSweeper struct {
	root    string
	index   *store.Index
	staleAfter time.Duration
	cron    *cron.Cron
}

// NewStaleSweeper builds a sweeper; Start schedules it on spec, in
// robfig/cron v1 syntax (fields start with seconds; descriptors such as
// "@every 1m" are accepted).
func NewStaleSweeper(root string, index *store.Index, staleAfter time.Duration) *StaleSweeper {
	return &StaleSweeper{root: root, index: index, staleAfter: staleAfter, cron: cron.New()}
}

func (s *StaleSweeper) Start(spec string) error {
	if err := s.cron.AddFunc(spec, func() { _ = s.SweepOnce() }); err != nil {
		return fmt.Errorf("monitor: schedule sweep %q: %w", spec, err)
	}
	s.cron.Start()
	return nil
}

func (s *StaleSweeper) Stop() { s.cron.Stop() }

// SweepOnce runs a single staleness pass, used directly by tests and by
// the scheduled cron job: expired leases are dropped first, then every
// assignment directory touched by a lock.* sentinel is checked for
// orphans left behind by a crash between sentinel creation and index
// mirroring.
func (s *StaleSweeper) SweepOnce() error {
	expired, err := s.index.GetExpiredClaimLeases(s.staleAfter, time.Now())
	if err != nil {
		return fmt.Errorf("monitor: sweep: %w", err)
	}
	for _, lease := range expired {
		dir := filepath.Join(s.root, filepath.FromSlash(lease.AssignmentRID))
		sentinel := filepath.Join(dir, "lock."+lease.WorkerID)
		if err := os.Remove(sentinel); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("monitor: sweep: remove sentinel %s: %w", sentinel, err)
		}
		if err := s.index.DeleteClaimLease(lease.AssignmentRID); err != nil {
			return fmt.Errorf("monitor: sweep: %w", err)
		}
	}

	rids, err := s.assignmentDirsWithSentinels()
	if err != nil {
		return fmt.Errorf("monitor: sweep: %w", err)
	}
	for _, rid := range rids {
		if err := s.reapOrphanSentinels(rid); err != nil {
			return fmt.Errorf("monitor: sweep: %w", err)
		}
	}
	return nil
}

// assignmentDirsWithSentinels walks s.root for every directory holding at
// least one lock.* sentinel and returns its rid (the path relative to
// s.root, in forward-slash form).
func (s *StaleSweeper) assignmentDirsWithSentinels() ([]string, error) {
	var rids []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasPrefix(info.Name(), "lock.") {
			return nil
		}
		dir := filepath.Dir(path)
		rel, err := filepath.Rel(s.root, dir)
		if err != nil {
			return err
		}
		rids = append(rids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return dedupe(rids), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// reapOrphanSentinels removes any lock.* file under an assignment
// directory whose owner no longer has a matching claim_leases row (e.g.
// the sentinel survived a crash between creation and index mirroring).
// Exercises the same directory-walk idiom the teacher used in
// CleanDeadSessions for finding dead containers.
func (s *StaleSweeper) reapOrphanSentinels(assignmentRID string) error {
	dir := filepath.Join(s.root, filepath.FromSlash(assignmentRID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("monitor: reap orphans in %s: %w", assignmentRID, err)
	}
	lease, held, err := s.index.GetClaimLease(assignmentRID)
	if err != nil {
		return fmt.Errorf("monitor: reap orphans in %s: %w", assignmentRID, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "lock.") {
			continue
		}
		owner := strings.TrimPrefix(e.Name(), "lock.")
		if held && owner == lease.WorkerID {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("monitor: reap orphans in %s: %w", assignmentRID, err)
		}
	}
	return nil
}
