package workflow

import (
	"context"
	"time"

	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/notify"
)

// SweepExpired flips overdue pending and in-progress requests to expired.
// Expiry is already enforced lazily on every read; the sweep only makes the
// stored status catch up and sends the expiry notifications.
func (c *Coordinator) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	open, err := c.store.ListByStatus(ctx, []contracts.RequestStatus{contracts.RequestPending, contracts.RequestInProgress}, 0)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range open {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if req.EffectiveStatus(now) != contracts.RequestExpired {
			continue
		}
		signers, err := c.store.ListSigners(ctx, req.ID)
		if err != nil {
			c.logger.ErrorContext(ctx, "list signers before expiry", "request_id", req.ID, "error", err)
			continue
		}
		// Every signature landed before the deadline; only the status write
		// was lost. Such a request completes instead of expiring.
		if Evaluate(signers).AllCompleted {
			if _, err := c.OnSignerCompleted(ctx, req.ID, ""); err != nil {
				c.logger.ErrorContext(ctx, "complete fully signed request", "request_id", req.ID, "error", err)
			}
			continue
		}
		ok, err := c.store.TransitionStatus(ctx, req.ID, contracts.RequestExpired, now.UTC())
		if err != nil {
			c.logger.ErrorContext(ctx, "expire request", "request_id", req.ID, "error", err)
			continue
		}
		if !ok {
			// Completed or declined between the list and the update.
			continue
		}
		expired++
		_ = c.audit.Record(ctx, audit.EventSystem, audit.ActionRequestExpired, req.ID, map[string]any{
			"expires_at": req.ExpiresAt,
		})

		c.notifyAll(ctx, signers, notify.EventRequestExpired, req)
		if req.OwnerID != "" {
			c.notifier.Notify(ctx, req.OwnerID, notify.EventRequestExpired, req.ID, map[string]string{"title": req.Title})
		}
	}
	if expired > 0 {
		c.logger.InfoContext(ctx, "expired overdue requests", "count", expired)
	}
	return expired, nil
}

// RecoverStranded completes open requests that every signer has signed but
// whose aggregate status was never advanced, for example because the
// progress write failed after the last signature was recorded. It returns
// how many requests it moved.
func (c *Coordinator) RecoverStranded(ctx context.Context, limit int) (int, error) {
	stranded, err := c.store.ListStranded(ctx, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, req := range stranded {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		p, err := c.OnSignerCompleted(ctx, req.ID, "")
		if err != nil {
			c.logger.ErrorContext(ctx, "recover stranded request", "request_id", req.ID, "error", err)
			continue
		}
		if p.Status != req.Status {
			recovered++
			c.logger.InfoContext(ctx, "recovered stranded request", "request_id", req.ID, "status", p.Status)
		}
	}
	return recovered, nil
}
