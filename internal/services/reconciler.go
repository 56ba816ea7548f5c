package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/bluedollar/backend/internal/logger"
)

const (
	ledgerPendingQueue = "ledger:pending"
	ledgerDeadQueue    = "ledger:dead"
)

var ErrQueueUnavailable = errors.New("ledger queue unavailable")

type ledgerJob struct {
	Record   TransferRecord `json:"record"`
	Attempts int            `json:"attempts"`
}

// LedgerReconciler replays ledger writes that failed after a transfer had
// already settled on-chain. Jobs live in a Redis list and are drained on a
// cron schedule; RecordTransfer is idempotent on the hash so replays are safe.
type LedgerReconciler struct {
	redis       *redis.Client
	recorder    *LedgerRecorder
	cron        *cron.Cron
	maxAttempts int
	timeout     time.Duration
}

func NewLedgerReconciler(redisClient *redis.Client, recorder *LedgerRecorder, maxAttempts int, timeout time.Duration) *LedgerReconciler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LedgerReconciler{
		redis:       redisClient,
		recorder:    recorder,
		cron:        cron.New(),
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// Enqueue schedules rec for replay. A nil reconciler or missing Redis only logs.
func (r *LedgerReconciler) Enqueue(ctx context.Context, rec TransferRecord) error {
	if r == nil || r.redis == nil {
		logger.WithField("tx_hash", rec.TxHash).Error("[RECONCILE] No queue configured, ledger entry must be repaired manually")
		return ErrQueueUnavailable
	}
	return r.push(ctx, ledgerPendingQueue, ledgerJob{Record: rec})
}

// Drain processes the jobs present when it starts and returns how many were
// recorded. Jobs that fail again are requeued until maxAttempts.
func (r *LedgerReconciler) Drain(ctx context.Context) (int, error) {
	if r.redis == nil {
		return 0, ErrQueueUnavailable
	}

	pending, err := r.redis.LLen(ctx, ledgerPendingQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}

	recorded := 0
	for i := int64(0); i < pending; i++ {
		raw, err := r.redis.LPop(ctx, ledgerPendingQueue).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return recorded, fmt.Errorf("pop job: %w", err)
		}

		var job ledgerJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			logger.WithError(err).Error("[RECONCILE] Dropping malformed job")
			continue
		}

		if _, err := r.recorder.RecordTransfer(ctx, job.Record); err != nil {
			job.Attempts++
			entry := logger.WithFields(logrus.Fields{"tx_hash": job.Record.TxHash, "attempts": job.Attempts}).WithError(err)
			queue := ledgerPendingQueue
			if job.Attempts >= r.maxAttempts {
				queue = ledgerDeadQueue
				entry.Error("[RECONCILE] Giving up on ledger entry")
			} else {
				entry.Warn("[RECONCILE] Ledger entry still failing, requeued")
			}
			if pushErr := r.push(ctx, queue, job); pushErr != nil {
				return recorded, pushErr
			}
			continue
		}
		recorded++
	}
	return recorded, nil
}

// Start drains on schedule until Stop is called.
func (r *LedgerReconciler) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		n, err := r.Drain(ctx)
		if err != nil {
			logger.WithError(err).Error("[CRON] Ledger reconcile failed")
			return
		}
		if n > 0 {
			logger.Infof("[CRON] Reconciled %d ledger entries", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}

	r.cron.Start()
	logger.Infof("[RECONCILE] Scheduler started (%s)", schedule)
	return nil
}

func (r *LedgerReconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	logger.Info("[RECONCILE] Scheduler stopped")
}

func (r *LedgerReconciler) push(ctx context.Context, queue string, job ledgerJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := r.redis.RPush(ctx, queue, string(data)).Err(); err != nil {
		return fmt.Errorf("enqueue ledger job: %w", err)
	}
	return nil
}
