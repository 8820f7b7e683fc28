// Package ledger settles confirmed matches: one debit per (document,
// criterion) pair, applied atomically with the criterion's lifecycle
// transition. Delivery failures do not refund; the generation and judgment
// work was done either way.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/store"
)

// settlementNamespace seeds the deterministic settlement key. Stable across
// releases so retried pipeline runs reuse the same key.
var settlementNamespace = uuid.MustParse("3f8a2c1e-9d4b-4f6a-8e0c-5b7d1a2e3c4f")

// Store is the persistence surface the ledger needs.
type Store interface {
	GetAccountByTenant(ctx context.Context, tenantID string) (*model.Account, error)
	SettleMatch(ctx context.Context, s store.Settlement) error
}

// Ledger applies settlements.
type Ledger struct {
	store Store
}

func New(st Store) *Ledger {
	return &Ledger{store: st}
}

// SettlementKey derives the idempotency key for a (document, criterion)
// pair. Deterministic: replays of the same pair always produce the same key.
func SettlementKey(documentID, criterionID string) string {
	return uuid.NewSHA1(settlementNamespace, []byte(documentID+"/"+criterionID)).String()
}

// Settle debits the criterion's account for the verification and delivery
// spend and advances the criterion's status. The debit happens even when
// delivery failed. Losing to a replay (key already used) or to a concurrent
// cancel or expiry (status no longer matchable) is not an error; both
// outcomes leave the ledger consistent.
func (l *Ledger) Settle(ctx context.Context, crit *model.Criterion, doc *model.Document, rec *model.VerificationRecord, ev *model.DeliveryEvent) error {
	acct, err := l.store.GetAccountByTenant(ctx, crit.TenantID)
	if err != nil {
		return eris.Wrapf(err, "ledger: account for tenant %s", crit.TenantID)
	}

	amount := rec.Cost
	if ev != nil {
		amount += ev.Cost
	}

	s := store.Settlement{
		Key:         SettlementKey(doc.ID, crit.ID),
		AccountID:   acct.ID,
		DocumentID:  doc.ID,
		CriterionID: crit.ID,
		Amount:      amount,
		NextStatus:  crit.NextStatus(),
	}

	err = l.store.SettleMatch(ctx, s)
	switch {
	case errors.Is(err, store.ErrAlreadySettled):
		zap.L().Debug("settlement replayed",
			zap.String("key", s.Key),
			zap.String("criterion_id", crit.ID),
		)
		return nil
	case errors.Is(err, store.ErrStaleStatus):
		// Cancellation or expiry won the race. No charge.
		zap.L().Info("settlement skipped, criterion no longer matchable",
			zap.String("criterion_id", crit.ID),
			zap.String("document_id", doc.ID),
		)
		return nil
	case err != nil:
		return eris.Wrap(err, "ledger: settle match")
	}

	if acct.Balance-amount < 0 {
		zap.L().Warn("account balance went negative",
			zap.String("account_id", acct.ID),
			zap.String("tenant_id", crit.TenantID),
			zap.Float64("balance", acct.Balance-amount),
		)
	}

	zap.L().Info("match settled",
		zap.String("criterion_id", crit.ID),
		zap.String("document_id", doc.ID),
		zap.Float64("amount", amount),
		zap.String("next_status", string(s.NextStatus)),
	)
	return nil
}
