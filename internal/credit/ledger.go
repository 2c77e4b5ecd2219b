// Package credit maintains the bounded seller reputation score and the
// buyer evaluations that feed it.
package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/observability"
	"github.com/xtrntr/campusmarket/internal/users"
)

// CompletionBonus is credited to the seller of every completed order
const CompletionBonus = 1

const eventColumns = "id, user_id, delta, credit_before, credit_after, source, reference_id, actor_id, reason, created_at"

var tracer = otel.Tracer("github.com/xtrntr/campusmarket/internal/credit")

// Clamp bounds a credit value to [MinCredit, MaxCredit]
func Clamp(v int) int {
	return max(models.MinCredit, min(models.MaxCredit, v))
}

// EvaluationDelta maps a 1..5 rating to a credit change: 3 is neutral and
// every star away from it is worth two points.
func EvaluationDelta(rating int) int {
	return (rating - 3) * 2
}

// Entry describes one requested credit change
type Entry struct {
	UserID      int64
	Delta       int
	Source      models.CreditSource
	ReferenceID *int64
	ActorID     *int64
	Reason      string
}

// Ledger applies and journals credit changes
type Ledger struct {
	DB       *db.DB
	notifier *notify.Notifier
	logger   *zap.Logger
}

// NewLedger creates a ledger
func NewLedger(database *db.DB, notifier *notify.Notifier, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, logger)
	}
	return &Ledger{DB: database, notifier: notifier, logger: logger}
}

// Apply locks the user row, writes the clamped credit and journals the
// change, all inside tx. The journal line is written even when clamping
// leaves the value unchanged.
func (l *Ledger) Apply(ctx context.Context, tx pgx.Tx, e Entry) (*models.CreditEvent, error) {
	u, err := users.GetForUpdate(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}

	after := Clamp(u.Credit + e.Delta)
	if after != u.Credit {
		if _, err := tx.Exec(ctx, "UPDATE users SET credit = $1 WHERE id = $2", after, e.UserID); err != nil {
			return nil, fmt.Errorf("failed to update credit: %w", err)
		}
	}

	event, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO credit_events (user_id, delta, credit_before, credit_after, source, reference_id, actor_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+eventColumns,
		e.UserID, e.Delta, u.Credit, after, e.Source, e.ReferenceID, e.ActorID, e.Reason))
	if err != nil {
		return nil, fmt.Errorf("failed to journal credit change: %w", err)
	}

	l.logger.Info("credit applied",
		zap.Int64("user_id", e.UserID),
		zap.String("source", string(e.Source)),
		zap.Int("delta", e.Delta),
		zap.Int("before", event.Before),
		zap.Int("after", event.After))
	return event, nil
}

// OnOrderCompleted credits the seller of a completed order
func (l *Ledger) OnOrderCompleted(ctx context.Context, tx pgx.Tx, sellerID, orderID int64) (*models.CreditEvent, error) {
	return l.Apply(ctx, tx, Entry{
		UserID:      sellerID,
		Delta:       CompletionBonus,
		Source:      models.CreditOrderCompleted,
		ReferenceID: &orderID,
		Reason:      fmt.Sprintf("order %d completed", orderID),
	})
}

// OnEvaluationSubmitted moves the seller's credit by the rating's delta
func (l *Ledger) OnEvaluationSubmitted(ctx context.Context, tx pgx.Tx, sellerID int64, rating int, evaluationID int64) (*models.CreditEvent, error) {
	return l.Apply(ctx, tx, Entry{
		UserID:      sellerID,
		Delta:       EvaluationDelta(rating),
		Source:      models.CreditEvaluation,
		ReferenceID: &evaluationID,
		Reason:      fmt.Sprintf("rated %d/5", rating),
	})
}

// AdminAdjust lets an admin move a user's credit by delta. The user is
// notified even when clamping leaves the value unchanged.
func (l *Ledger) AdminAdjust(ctx context.Context, userID int64, delta int, adminID int64, reason string) (event *models.CreditEvent, err error) {
	ctx, span := tracer.Start(ctx, "credit.AdminAdjust", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int("delta", delta),
	))
	defer func() { observability.EndSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.Validation("a credit adjustment requires a reason")
	}
	if delta == 0 {
		return nil, errs.Validation("delta cannot be zero")
	}

	var batch notify.Batch
	err = l.DB.InTx(ctx, func(tx pgx.Tx) error {
		admin, err := users.Get(ctx, tx, adminID)
		if err != nil {
			return err
		}
		if err := users.RequireRole(admin, models.RoleAdmin); err != nil {
			return err
		}

		event, err = l.Apply(ctx, tx, Entry{
			UserID:  userID,
			Delta:   delta,
			Source:  models.CreditAdminAdjust,
			ActorID: &adminID,
			Reason:  reason,
		})
		if err != nil {
			return err
		}

		return l.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  userID,
			Kind:    notify.KindCreditAdjusted,
			Title:   "Credit score changed",
			Content: fmt.Sprintf("Your credit changed from %d to %d: %s", event.Before, event.After, reason),
		})
	})
	if err != nil {
		return nil, err
	}

	l.notifier.Deliver(ctx, batch)
	return event, nil
}

// History lists a user's journal, newest first
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]models.CreditEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.DB.Pool.Query(ctx,
		"SELECT "+eventColumns+" FROM credit_events WHERE user_id = $1 ORDER BY id DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit history: %w", err)
	}
	defer rows.Close()

	events := []models.CreditEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*models.CreditEvent, error) {
	e := &models.CreditEvent{}
	err := row.Scan(&e.ID, &e.UserID, &e.Delta, &e.Before, &e.After, &e.Source,
		&e.ReferenceID, &e.ActorID, &e.Reason, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}
