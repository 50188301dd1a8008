/**
 * @description
 * Scheduled job implementations for the collections service.
 */
package app

import (
	"context"
	"log/slog"
)

// EscalationSweeper runs one escalation sweep.
type EscalationSweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// ConfirmationExpirer closes payment confirmations whose token has lapsed.
type ConfirmationExpirer interface {
	ExpireStale(ctx context.Context) (ExpiryResult, error)
}

// CallReplayer retries journaled calls that are due.
type CallReplayer interface {
	Replay(ctx context.Context) (ReplayResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper  EscalationSweeper
	expirer  ConfirmationExpirer
	replayer CallReplayer
	logger   *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper EscalationSweeper, expirer ConfirmationExpirer, replayer CallReplayer, logger *slog.Logger) *Jobs {
	return &Jobs{
		sweeper:  sweeper,
		expirer:  expirer,
		replayer: replayer,
		logger:   logger,
	}
}

// RunEscalationSweep escalates every overdue invoice that is due for its next level.
func (j *Jobs) RunEscalationSweep() {
	j.logger.Info("starting escalation sweep job")
	ctx := context.Background()

	result, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.logger.Error("escalation sweep job failed", "error", err)
		return
	}

	j.logger.Info("escalation sweep job finished", "advanced", result.Advanced, "failed", result.Failed)
}

// ExpireConfirmations expires payment confirmations past their token lifetime.
func (j *Jobs) ExpireConfirmations() {
	j.logger.Info("starting confirmation expiry job")
	ctx := context.Background()

	result, err := j.expirer.ExpireStale(ctx)
	if err != nil {
		j.logger.Error("failed to expire payment confirmations", "error", err)
		return
	}

	j.logger.Info("confirmation expiry job finished", "expired", result.Expired, "settled", result.Settled)
}

// ReplayFailedCalls retries journaled events, agency submissions and webhooks.
func (j *Jobs) ReplayFailedCalls() {
	ctx := context.Background()

	result, err := j.replayer.Replay(ctx)
	if err != nil {
		j.logger.Error("failed to replay journaled calls", "error", err)
		return
	}
	if result.Claimed == 0 {
		j.logger.Debug("no journaled calls due for replay")
		return
	}

	j.logger.Info("journal replay job finished", "claimed", result.Claimed, "resolved", result.Resolved, "dead_lettered", result.DeadLettered)
}
