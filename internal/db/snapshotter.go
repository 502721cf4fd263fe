package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paperoo/spool/internal/core"
)

// Snapshotter periodically writes the job store to the repository and once
// more when stopped.
type Snapshotter struct {
	repo     *JobRepository
	store    *core.Store
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewSnapshotter(repo *JobRepository, store *core.Store, interval time.Duration, log *slog.Logger) *Snapshotter {
	return &Snapshotter{
		repo:     repo,
		store:    store,
		interval: interval,
		log:      log,
	}
}

// Restore loads the last snapshot into the store, if there is one.
func (s *Snapshotter) Restore(ctx context.Context) error {
	snap, found, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !found {
		s.log.Info("no job snapshot found, starting empty")
		return nil
	}
	recovered := s.store.Restore(snap)
	s.log.Info("job snapshot restored", "jobs", len(snap.Jobs), "next_id", snap.NextID, "recovered_printing", recovered)
	return nil
}

func (s *Snapshotter) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(s.stopCh)
}

// Stop ends the periodic loop and writes a final snapshot.
func (s *Snapshotter) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.SaveNow(ctx)
}

func (s *Snapshotter) run(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.SaveNow(ctx); err != nil {
				s.log.Error("job snapshot failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Snapshotter) SaveNow(ctx context.Context) error {
	snap := s.store.Export()
	if err := s.repo.Save(ctx, snap); err != nil {
		return err
	}
	s.log.Debug("job snapshot saved", "jobs", len(snap.Jobs))
	return nil
}
