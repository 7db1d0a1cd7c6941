package worker

import (
	"context"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	statusLogInterval    = 60 * time.Second
	housekeepingInterval = time.Hour
	diskWarnPercent      = 80.0
)

// Scheduler drives the worker: it polls the store for claimable work,
// dispatches processors, and runs periodic housekeeping. Every error is
// logged and swallowed; the loop itself must never die.
type Scheduler struct {
	*Worker
	Concurrency  int
	PollInterval time.Duration

	lastStatusLog    time.Time
	lastHousekeeping time.Time
}

func NewScheduler(w *Worker, concurrency int, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		Worker:       w,
		Concurrency:  concurrency,
		PollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled. Stale claims from a previous crashed
// worker are recovered before the first poll.
func (s *Scheduler) Run(ctx context.Context) {
	s.logf("[Scheduler] started concurrency=%d poll=%s max_retries=%d",
		s.Concurrency, s.PollInterval, s.MaxRetries)

	s.recoverStale(ctx)

	for {
		if ctx.Err() != nil {
			s.logf("[Scheduler] stopped")
			return
		}

		processed := s.tick(ctx)
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			s.logf("[Scheduler] stopped")
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// tick runs one poll cycle and reports whether any work was claimed.
func (s *Scheduler) tick(ctx context.Context) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("[Scheduler] tick panic recovered: %v", r)
		}
	}()

	now := time.Now()
	if now.Sub(s.lastStatusLog) > statusLogInterval {
		s.logQueueStatus(ctx)
		s.lastStatusLog = now
	}
	if now.Sub(s.lastHousekeeping) > housekeepingInterval {
		s.housekeep(ctx)
		s.lastHousekeeping = now
	}

	if m, err := s.Store.ClaimNextProfile(ctx); err != nil {
		s.logf("[Scheduler] claim profile failed err=%v", err)
	} else if m != nil {
		if err := s.ProcessProfile(ctx, m); err != nil {
			s.logf("[Scheduler] profile processing failed migration=%s err=%v", m.ID, err)
		}
		processed = true
	}

	if m, err := s.Store.ClaimNextMigration(ctx); err != nil {
		s.logf("[Scheduler] claim migration failed err=%v", err)
	} else if m != nil {
		if err := s.ProcessMigration(ctx, m); err != nil {
			s.logf("[Scheduler] migration processing failed id=%s err=%v", m.ID, err)
		}
		processed = true
	}

	if a, err := s.Store.ClaimNextArticle(ctx); err != nil {
		s.logf("[Scheduler] claim article failed err=%v", err)
	} else if a != nil {
		if err := s.ProcessArticle(ctx, a); err != nil {
			s.logf("[Scheduler] article processing failed id=%d err=%v", a.ID, err)
		}
		processed = true
	}

	// Posts are the bulk of the queue; claim and process several at once.
	var g errgroup.Group
	claimed := make([]bool, s.Concurrency)
	for i := 0; i < s.Concurrency; i++ {
		i := i
		g.Go(func() error {
			p, err := s.Store.ClaimNextPost(ctx)
			if err != nil {
				s.logf("[Scheduler] claim post failed err=%v", err)
				return nil
			}
			if p == nil {
				return nil
			}
			claimed[i] = true
			if err := s.ProcessPost(ctx, p); err != nil {
				s.logf("[Scheduler] post processing failed id=%d err=%v", p.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, c := range claimed {
		if c {
			processed = true
		}
	}
	return processed
}

func (s *Scheduler) logQueueStatus(ctx context.Context) {
	depth, err := s.Store.QueueDepth(ctx)
	if err != nil {
		s.logf("[Scheduler] queue depth failed err=%v", err)
		return
	}
	if depth.Total() > 0 {
		s.logf("[Queue] migrations=%d posts=%d articles=%d profiles=%d pending",
			depth.Migrations, depth.Posts, depth.Articles, depth.Profiles)
	}
}

// housekeep garbage-collects old migrations, recovers stale claims and warns
// when the disk is filling up.
func (s *Scheduler) housekeep(ctx context.Context) {
	s.checkDiskSpace()

	if n, err := s.Store.CleanupMigrations(ctx, retentionWindow); err != nil {
		s.logf("[Scheduler] cleanup failed err=%v", err)
	} else if n > 0 {
		s.logf("[Scheduler] cleaned up %d expired/old migrations", n)
	}

	s.recoverStale(ctx)
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	if n, err := s.Store.ResetStaleMigrations(ctx, staleMigrationAge); err != nil {
		s.logf("[Scheduler] reset stale migrations failed err=%v", err)
	} else if n > 0 {
		s.logf("[Scheduler] reset %d stale processing migrations", n)
	}
	if n, err := s.Store.ResetStalePosts(ctx, stalePostAge); err != nil {
		s.logf("[Scheduler] reset stale posts failed err=%v", err)
	} else if n > 0 {
		s.logf("[Scheduler] reset %d stale posts", n)
	}
	if n, err := s.Store.ResetStaleArticles(ctx, stalePostAge); err != nil {
		s.logf("[Scheduler] reset stale articles failed err=%v", err)
	} else if n > 0 {
		s.logf("[Scheduler] reset %d stale articles", n)
	}
	if n, err := s.Store.ResetStaleProfiles(ctx, staleProfileAge); err != nil {
		s.logf("[Scheduler] reset stale profiles failed err=%v", err)
	} else if n > 0 {
		s.logf("[Scheduler] reset %d stale profile claims", n)
	}
}

func (s *Scheduler) checkDiskSpace() {
	var st syscall.Statfs_t
	if err := syscall.Statfs("/", &st); err != nil {
		s.logf("[Scheduler] disk check failed err=%v", err)
		return
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	free := float64(st.Bavail) * float64(st.Bsize)
	if total <= 0 {
		return
	}
	usedPercent := (total - free) / total * 100
	if usedPercent >= diskWarnPercent {
		s.logf("[Scheduler] WARNING disk usage at %.1f%% (%.1f GB free)", usedPercent, free/(1<<30))
	}
}
