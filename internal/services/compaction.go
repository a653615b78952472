package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"instdocs/internal/crdt"
	"instdocs/internal/middleware"
	"instdocs/internal/models"
)

/*
COMPACTION WORKER POOL

Branches grow by one row per client edit. Once a branch holds more than
Threshold updates, a worker merges them into a single update with the crdt
package and swaps the merged blob in for the rows it replaces.

Workers pull jobs from a bounded queue; a branch already queued or being
compacted is not queued again.
*/

var (
	ErrShuttingDown = errors.New("compaction service is shutting down")
	ErrQueueFull    = errors.New("compaction queue is full")
)

var compactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "instdocs_compactions_total",
	Help: "Branch compactions by result",
}, []string{"result"})

// CompactionJob names a branch to compact.
type CompactionJob struct {
	BranchKey string
}

// CompactionServiceImpl merges stored branch updates with a worker pool.
type CompactionServiceImpl struct {
	repo      UpdateRepository
	threshold int64
	log       *logrus.Entry

	jobs    chan CompactionJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	inflight map[string]bool
}

// NewCompactionService creates the pool; Start launches the workers.
func NewCompactionService(repo UpdateRepository, threshold int64, numWorkers, queueSize int, log *logrus.Entry) *CompactionServiceImpl {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &CompactionServiceImpl{
		repo:      repo,
		threshold: threshold,
		log:       log.WithField("component", "compaction"),
		jobs:      make(chan CompactionJob, queueSize),
		workers:   numWorkers,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]bool),
	}
}

func (s *CompactionServiceImpl) Start() {
	s.log.WithField("workers", s.workers).Info("starting compaction workers")

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *CompactionServiceImpl) worker(id int) {
	defer s.wg.Done()

	log := s.log.WithField("worker", id)
	for {
		select {
		case <-s.ctx.Done():
			return

		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			if err := s.processCompaction(s.ctx, job); err != nil {
				compactionsTotal.WithLabelValues("error").Inc()
				log.WithError(err).WithField("branch", job.BranchKey).Warn("compaction failed")
			}
			s.mu.Lock()
			delete(s.inflight, job.BranchKey)
			s.mu.Unlock()
		}
	}
}

// MaybeCompact queues branch when it has crossed the threshold.
func (s *CompactionServiceImpl) MaybeCompact(branch *models.Branch) {
	if s.threshold <= 0 || branch == nil || branch.UpdateCount < s.threshold {
		return
	}
	if err := s.SubmitJob(CompactionJob{BranchKey: branch.Key}); err != nil && !errors.Is(err, ErrQueueFull) {
		s.log.WithError(err).Debug("compaction not queued")
	}
}

// SubmitJob queues job without blocking.
func (s *CompactionServiceImpl) SubmitJob(job CompactionJob) error {
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}
	s.mu.Lock()
	if s.inflight[job.BranchKey] {
		s.mu.Unlock()
		return nil
	}
	s.inflight[job.BranchKey] = true
	s.mu.Unlock()

	select {
	case s.jobs <- job:
		return nil
	default:
		s.mu.Lock()
		delete(s.inflight, job.BranchKey)
		s.mu.Unlock()
		return ErrQueueFull
	}
}

func (s *CompactionServiceImpl) processCompaction(ctx context.Context, job CompactionJob) error {
	ctx, span := middleware.StartSpan(ctx, "Compaction.Process",
		attribute.String("branch.key", job.BranchKey),
	)
	defer span.End()

	updates, err := s.repo.GetUpdates(ctx, job.BranchKey)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if len(updates) < 2 {
		return nil
	}

	blobs := make([][]byte, 0, len(updates))
	for _, u := range updates {
		blob, err := base64.StdEncoding.DecodeString(u.Update)
		if err != nil {
			return fmt.Errorf("decode update %s: %w", u.ID, err)
		}
		blobs = append(blobs, blob)
	}
	merged, err := crdt.MergeUpdates(blobs...)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("merge updates: %w", err)
	}

	upTo := updates[len(updates)-1].Seq
	encoded := base64.StdEncoding.EncodeToString(merged)
	if err := s.repo.ReplaceUpdates(ctx, job.BranchKey, upTo, encoded); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	compactionsTotal.WithLabelValues("ok").Inc()
	s.log.WithFields(logrus.Fields{
		"branch":  job.BranchKey,
		"updates": len(updates),
	}).Info("compacted branch")
	return nil
}

// Shutdown stops the workers after their current job.
func (s *CompactionServiceImpl) Shutdown() {
	s.log.Info("shutting down compaction workers")
	s.cancel()
	s.wg.Wait()
}

// GetQueueLength returns current number of pending jobs
func (s *CompactionServiceImpl) GetQueueLength() int {
	return len(s.jobs)
}
