package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"couplevault/logging"
	"couplevault/metrics"
)

// ExpiredLister finds pending disputes whose deadline is at or before now.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ExpiredSettler drives one expired dispute to a terminal status.
type ExpiredSettler interface {
	SettleExpired(ctx context.Context, disputeID string) (Status, error)
}

// Lease serialises sweeps across workers. ok is false when another worker
// holds it.
type Lease interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Report summarises one sweep.
type Report struct {
	Scanned   int
	Forfeited int
	Resolved  int
	Skipped   int
	Failed    int
	LeaseHeld bool
}

// Sweeper forfeits disputes past their deadline. Per-dispute failures are
// logged and counted, never fatal to the batch.
type Sweeper struct {
	lister      ExpiredLister
	settler     ExpiredSettler
	clock       Clock
	logger      *logging.Logger
	lease       Lease
	batchSize   int
	concurrency int
}

func NewSweeper(lister ExpiredLister, settler ExpiredSettler) *Sweeper {
	return &Sweeper{
		lister:      lister,
		settler:     settler,
		clock:       SystemClock{},
		logger:      logging.NewNop(),
		batchSize:   100,
		concurrency: 1,
	}
}

func (s *Sweeper) WithClock(clock Clock) *Sweeper {
	s.clock = clock
	return s
}

func (s *Sweeper) WithLogger(logger *logging.Logger) *Sweeper {
	s.logger = logger
	return s
}

func (s *Sweeper) WithLease(lease Lease) *Sweeper {
	s.lease = lease
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) WithConcurrency(n int) *Sweeper {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Sweep settles every expired pending dispute found in one batch. It only
// returns an error when the batch itself cannot be listed.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()

	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx)
		switch {
		case err != nil:
			s.logger.Warn("sweep lease unavailable, sweeping anyway", "error", err)
		case !ok:
			s.logger.Debug("sweep lease held elsewhere")
			return Report{LeaseHeld: true}, nil
		default:
			defer release()
		}
	}

	ids, err := s.lister.ListExpired(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("dispute: sweep: list expired: %w: %w", ErrPersistence, err)
	}

	var (
		mu     sync.Mutex
		report = Report{Scanned: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			status, err := s.settler.SettleExpired(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && status == StatusResolvedTransferred:
				report.Resolved++
			case err == nil:
				report.Forfeited++
			case errors.Is(err, ErrInvalidState):
				report.Skipped++
				s.logger.Info("sweep skipped dispute", "dispute_id", id, "reason", err.Error())
			default:
				report.Failed++
				s.logger.Error("sweep failed to settle dispute", "dispute_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.RecordSweep(report.Forfeited, report.Resolved, report.Skipped, report.Failed, time.Since(start))
	s.logger.Info("sweep finished",
		"scanned", report.Scanned,
		"forfeited", report.Forfeited,
		"resolved", report.Resolved,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}
