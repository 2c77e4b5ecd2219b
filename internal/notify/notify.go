package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/models"
)

// Notification kinds
const (
	KindProductApproved       = "product.approved"
	KindProductRejected       = "product.rejected"
	KindProductDeleted        = "product.deleted"
	KindOrderPlaced           = "order.placed"
	KindOrderConfirmed        = "order.confirmed"
	KindOrderCompleted        = "order.completed"
	KindOrderCancelled        = "order.cancelled"
	KindEvaluationReceived    = "evaluation.received"
	KindCreditAdjusted        = "credit.adjusted"
	KindReturnRequested       = "return.requested"
	KindReturnDecided         = "return.decided"
	KindInterventionRequested = "return.intervention_requested"
	KindInterventionResolved  = "return.intervention_resolved"
)

// Sink delivers a notification somewhere outside the core. Delivery is fire
// and forget: a failing sink never fails the operation that produced the
// notification.
type Sink interface {
	Send(ctx context.Context, n models.Notification) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, n models.Notification) error

// Send calls f
func (f SinkFunc) Send(ctx context.Context, n models.Notification) error {
	return f(ctx, n)
}

// Batch collects the notifications recorded during one transaction
type Batch []models.Notification

// Notifier records notifications in the triggering transaction and hands
// them to the sink once that transaction has committed, so a rolled back
// operation never notifies anyone.
type Notifier struct {
	sink   Sink
	logger *zap.Logger
	newID  func() uuid.UUID
}

// NewNotifier creates a notifier. A nil sink only records.
func NewNotifier(sink Sink, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sink: sink, logger: logger, newID: uuid.New}
}

// Record stores n through q and appends it to batch
func (n *Notifier) Record(ctx context.Context, q db.Querier, batch *Batch, note models.Notification) error {
	id := n.newID()
	note.EventID = id.String()
	err := q.QueryRow(ctx, `
		INSERT INTO notifications (event_id, user_id, kind, title, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		id, note.UserID, note.Kind, note.Title, note.Content).Scan(&note.ID, &note.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	*batch = append(*batch, note)
	return nil
}

// Deliver pushes every notification of a committed batch to the sink
func (n *Notifier) Deliver(ctx context.Context, batch Batch) {
	if n == nil || n.sink == nil {
		return
	}
	for _, note := range batch {
		if err := n.sink.Send(ctx, note); err != nil {
			n.logger.Warn("notification delivery failed",
				zap.String("event_id", note.EventID),
				zap.Int64("user_id", note.UserID),
				zap.String("kind", note.Kind),
				zap.Error(err))
		}
	}
}

// Envelope is the wire form of a notification shared by the Kafka and
// websocket sinks.
type Envelope struct {
	EventID   string    `json:"event_id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode renders the wire form of n
func Encode(n models.Notification) ([]byte, error) {
	return json.Marshal(Envelope{
		EventID:   n.EventID,
		UserID:    n.UserID,
		Kind:      n.Kind,
		Title:     n.Title,
		Content:   n.Content,
		CreatedAt: n.CreatedAt.UTC(),
	})
}

// Multi fans a notification out to several sinks, returning the first error
type Multi []Sink

// Send delivers to every sink even when an earlier one fails
func (m Multi) Send(ctx context.Context, n models.Notification) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes notifications to the structured log
type LogSink struct {
	Logger *zap.Logger
}

// Send logs n
func (s LogSink) Send(ctx context.Context, n models.Notification) error {
	s.Logger.Info("notification",
		zap.String("event_id", n.EventID),
		zap.Int64("user_id", n.UserID),
		zap.String("kind", n.Kind),
		zap.String("title", n.Title))
	return nil
}
