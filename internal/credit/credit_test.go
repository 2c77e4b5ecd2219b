package credit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/testutil"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	testDB = testutil.MainDB("test_credit")
	code := m.Run()
	if testDB != nil {
		testDB.Close(context.Background())
	}
	os.Exit(code)
}

type recorder struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recorder) Send(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: -5, want: 0},
		{in: 0, want: 0},
		{in: 57, want: 57},
		{in: 100, want: 100},
		{in: 104, want: 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp(tt.in), "Clamp(%d)", tt.in)
	}
}

func TestEvaluationDelta(t *testing.T) {
	want := map[int]int{1: -4, 2: -2, 3: 0, 4: 2, 5: 4}
	for rating, delta := range want {
		assert.Equal(t, delta, EvaluationDelta(rating), "rating %d", rating)
	}
}

func TestLedger_Apply(t *testing.T) {
	tests := []struct {
		name       string
		start      int
		delta      int
		wantCredit int
	}{
		{name: "Increase", start: 50, delta: 4, wantCredit: 54},
		{name: "ClampedHigh", start: 99, delta: 4, wantCredit: 100},
		{name: "ClampedLow", start: 2, delta: -4, wantCredit: 0},
		{name: "SaturatedNoOp", start: 100, delta: 1, wantCredit: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.RequireDB(t, testDB)
			ctx := context.Background()
			user := testutil.CreateUser(t, testDB, "seller", models.RoleUser, true)
			testutil.SetCredit(t, testDB, user, tt.start)
			ledger := NewLedger(testDB, nil, nil)

			var event *models.CreditEvent
			err := testDB.InTx(ctx, func(tx pgx.Tx) error {
				var err error
				event, err = ledger.Apply(ctx, tx, Entry{UserID: user, Delta: tt.delta, Source: models.CreditEvaluation})
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.start, event.Before)
			assert.Equal(t, tt.wantCredit, event.After)
			assert.Equal(t, tt.delta, event.Delta)
			assert.Equal(t, tt.wantCredit, testutil.Credit(t, testDB, user))
			assert.Equal(t, 1, testutil.Count(t, testDB, "SELECT COUNT(*) FROM credit_events WHERE user_id = $1", user))
		})
	}
}

func TestLedger_ApplyRollsBackWithTransaction(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	user := testutil.CreateUser(t, testDB, "seller", models.RoleUser, true)
	testutil.SetCredit(t, testDB, user, 60)
	ledger := NewLedger(testDB, nil, nil)

	boom := errors.New("later step failed")
	err := testDB.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := ledger.OnOrderCompleted(ctx, tx, user, 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 60, testutil.Credit(t, testDB, user))
	assert.Equal(t, 0, testutil.Count(t, testDB, "SELECT COUNT(*) FROM credit_events"))
}

func TestLedger_AdminAdjust(t *testing.T) {
	tests := []struct {
		name       string
		start      int
		delta      int
		asAdmin    bool
		reason     string
		wantErr    error
		wantCredit int
	}{
		{name: "Penalty", start: 80, delta: -30, asAdmin: true, reason: "fraudulent listing", wantCredit: 50},
		{name: "ClampedToZero", start: 10, delta: -30, asAdmin: true, reason: "repeat offender", wantCredit: 0},
		{name: "NoOpStillJournaledAndNotified", start: 100, delta: 5, asAdmin: true, reason: "goodwill", wantCredit: 100},
		{name: "NotAdmin", start: 80, delta: 5, reason: "friend", wantErr: errs.ErrForbidden, wantCredit: 80},
		{name: "MissingReason", start: 80, delta: 5, asAdmin: true, reason: " ", wantErr: errs.ErrValidation, wantCredit: 80},
		{name: "ZeroDelta", start: 80, asAdmin: true, reason: "nothing", wantErr: errs.ErrValidation, wantCredit: 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.RequireDB(t, testDB)
			ctx := context.Background()
			user := testutil.CreateUser(t, testDB, "seller", models.RoleUser, true)
			admin := testutil.CreateUser(t, testDB, "root", models.RoleAdmin, true)
			other := testutil.CreateUser(t, testDB, "bob", models.RoleUser, true)
			testutil.SetCredit(t, testDB, user, tt.start)
			rec := &recorder{}
			ledger := NewLedger(testDB, notify.NewNotifier(rec, nil), nil)

			actor := other
			if tt.asAdmin {
				actor = admin
			}
			event, err := ledger.AdminAdjust(ctx, user, tt.delta, actor, tt.reason)
			assert.Equal(t, tt.wantCredit, testutil.Credit(t, testDB, user))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Empty(t, rec.sent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.CreditAdminAdjust, event.Source)
			require.NotNil(t, event.ActorID)
			assert.Equal(t, admin, *event.ActorID)
			require.Len(t, rec.sent, 1)
			assert.Equal(t, user, rec.sent[0].UserID)
			assert.Equal(t, notify.KindCreditAdjusted, rec.sent[0].Kind)
		})
	}
}

func TestLedger_History(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	user := testutil.CreateUser(t, testDB, "seller", models.RoleUser, true)
	testutil.SetCredit(t, testDB, user, 50)
	ledger := NewLedger(testDB, nil, nil)

	err := testDB.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := ledger.OnOrderCompleted(ctx, tx, user, 7); err != nil {
			return err
		}
		_, err := ledger.OnEvaluationSubmitted(ctx, tx, user, 5, 3)
		return err
	})
	require.NoError(t, err)

	history, err := ledger.History(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.CreditEvaluation, history[0].Source)
	assert.Equal(t, 55, history[0].After)
	assert.Equal(t, models.CreditOrderCompleted, history[1].Source)
	assert.Equal(t, 51, history[1].After)
}

func TestEvaluations_CreateEvaluation(t *testing.T) {
	tests := []struct {
		name        string
		orderStatus models.OrderStatus
		asBuyer     bool
		rating      int
		wantErr     error
		wantCredit  int
	}{
		{name: "FiveStars", orderStatus: models.OrderCompleted, asBuyer: true, rating: 5, wantCredit: 94},
		{name: "OneStar", orderStatus: models.OrderCompleted, asBuyer: true, rating: 1, wantCredit: 86},
		{name: "Neutral", orderStatus: models.OrderCompleted, asBuyer: true, rating: 3, wantCredit: 90},
		{name: "NotCompleted", orderStatus: models.OrderConfirmedBySeller, asBuyer: true, rating: 4, wantErr: errs.ErrInvalidState, wantCredit: 90},
		{name: "NotBuyer", orderStatus: models.OrderCompleted, rating: 4, wantErr: errs.ErrForbidden, wantCredit: 90},
		{name: "RatingTooHigh", orderStatus: models.OrderCompleted, asBuyer: true, rating: 6, wantErr: errs.ErrValidation, wantCredit: 90},
		{name: "RatingZero", orderStatus: models.OrderCompleted, asBuyer: true, rating: 0, wantErr: errs.ErrValidation, wantCredit: 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.RequireDB(t, testDB)
			ctx := context.Background()
			seller := testutil.CreateUser(t, testDB, "seller", models.RoleUser, true)
			buyer := testutil.CreateUser(t, testDB, "buyer", models.RoleUser, true)
			testutil.SetCredit(t, testDB, seller, 90)
			product := testutil.CreateProduct(t, testDB, seller, 1, "10.00", models.ProductActive)
			order := testutil.CreateOrder(t, testDB, seller, buyer, product, 1, tt.orderStatus)

			rec := &recorder{}
			notifier := notify.NewNotifier(rec, nil)
			evals := NewEvaluations(testDB, NewLedger(testDB, notifier, nil), notifier, nil)

			actor := seller
			if tt.asBuyer {
				actor = buyer
			}
			eval, err := evals.CreateEvaluation(ctx, order, actor, tt.rating, "fast handover")
			assert.Equal(t, tt.wantCredit, testutil.Credit(t, testDB, seller))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, 0, testutil.Count(t, testDB, "SELECT COUNT(*) FROM evaluations"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, seller, eval.SellerID)
			assert.Equal(t, tt.rating, eval.Rating)
			require.Len(t, rec.sent, 1)
			assert.Equal(t, notify.KindEvaluationReceived, rec.sent[0].Kind)

			list, err := evals.ListForSeller(ctx, seller)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, eval.ID, list[0].ID)
		})
	}
}

func TestEvaluations_OnePerOrder(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	seller := testutil.CreateUser(t, testDB, "seller", models.RoleUser, true)
	buyer := testutil.CreateUser(t, testDB, "buyer", models.RoleUser, true)
	testutil.SetCredit(t, testDB, seller, 50)
	product := testutil.CreateProduct(t, testDB, seller, 1, "10.00", models.ProductSold)
	order := testutil.CreateOrder(t, testDB, seller, buyer, product, 1, models.OrderCompleted)
	evals := NewEvaluations(testDB, NewLedger(testDB, nil, nil), nil, nil)

	const attempts = 8
	var mu sync.Mutex
	var successes, conflicts int
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			_, err := evals.CreateEvaluation(ctx, order, buyer, 5, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, errs.ErrConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 54, testutil.Credit(t, testDB, seller))
	assert.Equal(t, 1, testutil.Count(t, testDB, "SELECT COUNT(*) FROM credit_events WHERE source = 'evaluation'"))
}
