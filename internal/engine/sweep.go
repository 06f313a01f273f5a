package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ipmf/internal/domain"
	"ipmf/internal/events"
)

type SweepResult struct {
	At      string   `json:"at"`
	Checked int      `json:"checked"`
	Failed  []string `json:"failed"`
}

// SweepOverdue fails every running task past its deadline. Each task is
// closed in its own transaction by a guarded write, so a task completed or
// deferred in the meantime is skipped and a second run changes nothing.
func (e Engine) SweepOverdue(ctx context.Context) (SweepResult, error) {
	ts := e.stamp()
	res := SweepResult{At: ts, Failed: []string{}}
	ids, err := e.Repo.OverdueTaskIDs(ctx, ts)
	if err != nil {
		return res, err
	}
	res.Checked = len(ids)
	var errs error
	for _, id := range ids {
		failed, err := e.failOverdue(ctx, id, ts)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("task %s: %w", id, err))
			continue
		}
		if failed {
			res.Failed = append(res.Failed, id)
		}
	}
	if len(res.Failed) > 0 || errs != nil {
		e.logger().Info("overdue sweep",
			zap.Int("checked", res.Checked),
			zap.Strings("failed", res.Failed),
			zap.Error(errs),
		)
	}
	return res, errs
}

func (e Engine) failOverdue(ctx context.Context, id, ts string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, id)
	if err != nil {
		return false, err
	}
	ok, err := e.Repo.FailOverdueTask(ctx, tx, id, ts)
	if err != nil || !ok {
		return false, err
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, domain.SystemActor, change{
		Entity: "task", ID: t.ID, Action: "auto_fail", From: string(t.Statut), To: string(domain.TaskFinished),
		Payload: events.EventPayload{"numero": t.Numero, "resultat": string(domain.ResultAutoFailed), "date_echeance": t.DateEcheance},
	}); err != nil {
		return false, err
	}
	n := taskNotification(t, append(append([]string{}, t.AgentsAssignes...), t.CreatedBy),
		"Mission échouée", fmt.Sprintf("%s a dépassé son échéance du %s sans être terminée", t.Numero, t.DateEcheance))
	n.Type = "task.auto_failed"
	n.Priority = "haute"
	ob.notify(n)
	if err := e.commit(ctx, tx, &ob); err != nil {
		return false, err
	}
	return true, nil
}

// RunSweeper sweeps once, then on every tick until ctx is done.
func (e Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
			e.logger().Warn("overdue sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
