package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gridpulse/creditledger/internal/actorcontext"
	"github.com/gridpulse/creditledger/internal/clock"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	obsmetrics "github.com/gridpulse/creditledger/internal/observability/metrics"
	pricingdomain "github.com/gridpulse/creditledger/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler requires db, log, ledger, pricing, id generator and clock")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	LedgerSvc  ledgerdomain.Service
	PricingSvc pricingdomain.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     *Locker `optional:"true"`
	Config     Config  `optional:"true"`
}

// Scheduler drives the monthly credit lifecycle: expire stale included pools,
// then grant the new month's allowance per tier.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	pricingSvc pricingdomain.Service
	locker     *Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.LedgerSvc == nil || p.PricingSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		pricingSvc: p.PricingSvc,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = actorcontext.WithActor(ctx, "scheduler")
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, jobLockKey(name), s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("%s: acquire lock: %w", name, err)
		}
		if !ok {
			s.log.Debug("job held by another worker", zap.String("job", name))
			return nil
		}
		defer func() {
			_ = s.locker.Release(context.Background(), jobLockKey(name), token)
		}()
	}

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one pass of all enabled jobs. Expiry runs before the grant
// so a stale allowance never carries into the new month.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"expire_included", s.isJobEnabled("expire_included"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_included", s.cfg.BatchSize, s.cfg.JobTimeout, s.ExpireIncludedJob)
		}},
		{"monthly_grant", s.isJobEnabled("monthly_grant"), func(ctx context.Context) error {
			return s.runJob(ctx, "monthly_grant", s.cfg.BatchSize, s.cfg.JobTimeout, s.MonthlyGrantJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// If EnabledJobs is empty, all jobs are enabled by default.
func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) MonthlyGrantJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "monthly_grant", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, batchErr := s.monthlyGrantBatch(ctx, now, run)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		run.AddProcessed(processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) monthlyGrantBatch(ctx context.Context, now time.Time, run *jobRun) (int, error) {
	jobName := "monthly_grant"
	schedMetrics := obsmetrics.Scheduler()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var accounts []WorkAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		accounts, err = s.fetchAccountsForGrant(ctx, tx, monthStart, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.ClassifySchedulerJobReason(err))
		s.logSchedulerError(ctx, run, "scheduler.grant.claim.failed", jobName, 0, err)
		return 0, err
	}
	if len(accounts) == 0 {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	var batchErr error
	processed := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			break
		}

		granted, err := s.grantMonthlyCredits(ctx, account, now)
		if err != nil {
			batchErr = errors.Join(batchErr, err)
			s.logSchedulerError(ctx, run, "scheduler.grant.failed", jobName, account.ID, err,
				zap.String("tier", account.Tier),
			)
			continue
		}
		if granted {
			processed++
		}
	}

	if processed > 0 {
		schedMetrics.AddBatchProcessed(jobName, "accounts", processed)
	}
	return processed, batchErr
}

// grantMonthlyCredits issues one month's included allowance. The month-scoped
// idempotency key makes replays after a crash or a concurrent worker safe.
func (s *Scheduler) grantMonthlyCredits(ctx context.Context, account WorkAccount, now time.Time) (bool, error) {
	allowance, err := s.pricingSvc.GetTierCredits(ctx, account.Tier)
	if err != nil {
		return false, err
	}
	if allowance <= 0 {
		return false, nil
	}

	_, err = s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:       account.ID,
		Amount:          allowance,
		CreditType:      ledgerdomain.CreditTypeIncluded,
		TransactionType: ledgerdomain.TransactionTypeMonthlyGrant,
		IdempotencyKey:  fmt.Sprintf("monthly_grant:%s:%s", account.ID, now.Format("2006-01")),
		Description:     fmt.Sprintf("monthly credits for tier %s", account.Tier),
		Actor:           "scheduler",
	})
	if err != nil {
		var idemErr *ledgerdomain.IdempotencyError
		if errors.As(err, &idemErr) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Scheduler) ExpireIncludedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "expire_included", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, batchErr := s.expireIncludedBatch(ctx, now, run)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		run.AddProcessed(processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) expireIncludedBatch(ctx context.Context, now time.Time, run *jobRun) (int, error) {
	jobName := "expire_included"
	schedMetrics := obsmetrics.Scheduler()

	var balances []WorkBalance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		balances, err = s.fetchBalancesForExpiry(ctx, tx, now, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.ClassifySchedulerJobReason(err))
		s.logSchedulerError(ctx, run, "scheduler.expire.claim.failed", jobName, 0, err)
		return 0, err
	}
	if len(balances) == 0 {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	var batchErr error
	processed := 0
	for _, balance := range balances {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			break
		}

		key := fmt.Sprintf("monthly_expire:%s:%s", balance.AccountID, now.Format("2006-01"))
		_, err := s.ledgerSvc.ExpireIncluded(ctx, balance.AccountID, key, "scheduler")
		if err != nil {
			var idemErr *ledgerdomain.IdempotencyError
			if errors.As(err, &idemErr) {
				continue
			}
			batchErr = errors.Join(batchErr, err)
			s.logSchedulerError(ctx, run, "scheduler.expire.failed", jobName, balance.AccountID, err,
				zap.Int64("included_credits", balance.IncludedCredits),
			)
			continue
		}
		processed++
	}

	if processed > 0 {
		schedMetrics.AddBatchProcessed(jobName, "balances", processed)
	}
	return processed, batchErr
}
