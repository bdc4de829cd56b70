package mirror

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/ledger"
)

const drainBatchSize = 50

// Drainer works through attempts whose receipts have not been exported
// yet. It runs off the request path: a bootstrap only marks its attempt
// PENDING and the drainer picks it up on the next tick.
type Drainer struct {
	client   *Client
	attempts *ledger.Store
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewDrainer wires the drainer. A nil client means the mirror is
// disabled; the drainer then marks pending attempts SKIPPED so the
// outbox does not grow without bound.
func NewDrainer(client *Client, attempts *ledger.Store, cfg config.MirrorConfig, logger *zap.SugaredLogger) *Drainer {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{
		client:   client,
		attempts: attempts,
		interval: interval,
		logger:   logger,
	}
}

// Run drains the outbox on a ticker until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes one batch of pending attempts. Every failure is
// logged and recorded on the attempt; none propagates.
func (d *Drainer) DrainOnce(ctx context.Context) {
	pending, err := d.attempts.ListPendingMirror(ctx, drainBatchSize)
	if err != nil {
		if d.logger != nil {
			d.logger.Warnw("Failed to list pending receipts", "error", err)
		}
		return
	}

	for _, attempt := range pending {
		status := d.export(ctx, attempt)
		if err := d.attempts.SetMirrorStatus(ctx, attempt.ID, status); err != nil && d.logger != nil {
			d.logger.Warnw("Failed to record mirror status",
				"startup_id", attempt.ID, "status", status, "error", err)
		}
	}
}

func (d *Drainer) export(ctx context.Context, attempt *ledger.StartupAttempt) string {
	if d.client == nil {
		return ledger.MirrorSkipped
	}

	if err := d.client.Emit(ctx, BuildReceipt(attempt)); err != nil {
		if d.logger != nil {
			d.logger.Warnw("Receipt export failed",
				"startup_id", attempt.ID, "error", err)
		}
		return ledger.MirrorFailed
	}

	if d.logger != nil {
		d.logger.Infow("Receipt exported",
			"startup_id", attempt.ID, "phase", attempt.Status)
	}
	return ledger.MirrorSent
}
