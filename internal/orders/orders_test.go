package orders

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/campusmarket/internal/catalog"
	"github.com/xtrntr/campusmarket/internal/credit"
	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/testutil"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	testDB = testutil.MainDB("test_orders")
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

func (r *recorder) kinds(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, n := range r.sent {
		if n.UserID == userID {
			kinds = append(kinds, n.Kind)
		}
	}
	return kinds
}

type fixture struct {
	svc    *Service
	evals  *credit.Evaluations
	rec    *recorder
	seller int64
	buyer  int64
	admin  int64
}

func setup(t *testing.T) fixture {
	t.Helper()
	testutil.RequireDB(t, testDB)
	rec := &recorder{}
	notifier := notify.NewNotifier(rec, nil)
	ledger := credit.NewLedger(testDB, notifier, nil)
	return fixture{
		svc:    NewService(testDB, catalog.New(testDB, notifier, nil, nil), ledger, notifier, nil),
		evals:  credit.NewEvaluations(testDB, ledger, notifier, nil),
		rec:    rec,
		seller: testutil.CreateUser(t, testDB, "seller", models.RoleUser, true),
		buyer:  testutil.CreateUser(t, testDB, "buyer", models.RoleUser, true),
		admin:  testutil.CreateUser(t, testDB, "root", models.RoleAdmin, true),
	}
}

func TestService_CreateOrder(t *testing.T) {
	tests := []struct {
		name         string
		status       models.ProductStatus
		stock        int
		quantity     int
		selfPurchase bool
		unverified   bool
		wantErr      error
		wantStock    int
		wantStatus   models.ProductStatus
	}{
		{name: "Success", status: models.ProductActive, stock: 3, quantity: 2, wantStock: 1, wantStatus: models.ProductActive},
		{name: "BuysLastUnits", status: models.ProductActive, stock: 2, quantity: 2, wantStock: 0, wantStatus: models.ProductSold},
		{name: "ZeroQuantity", status: models.ProductActive, stock: 3, quantity: 0, wantErr: errs.ErrValidation, wantStock: 3, wantStatus: models.ProductActive},
		{name: "InsufficientStock", status: models.ProductActive, stock: 1, quantity: 2, wantErr: errs.ErrInsufficientStock, wantStock: 1, wantStatus: models.ProductActive},
		{name: "SoldOut", status: models.ProductSold, stock: 0, quantity: 1, wantErr: errs.ErrInsufficientStock, wantStock: 0, wantStatus: models.ProductSold},
		{name: "PendingReview", status: models.ProductPendingReview, stock: 3, quantity: 1, wantErr: errs.ErrProductUnavailable, wantStock: 3, wantStatus: models.ProductPendingReview},
		{name: "Withdrawn", status: models.ProductWithdrawn, stock: 3, quantity: 1, wantErr: errs.ErrProductUnavailable, wantStock: 3, wantStatus: models.ProductWithdrawn},
		{name: "SelfPurchase", status: models.ProductActive, stock: 3, quantity: 1, selfPurchase: true, wantErr: errs.ErrSelfPurchase, wantStock: 3, wantStatus: models.ProductActive},
		{name: "UnverifiedBuyer", status: models.ProductActive, stock: 3, quantity: 1, unverified: true, wantErr: errs.ErrForbidden, wantStock: 3, wantStatus: models.ProductActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			product := testutil.CreateProduct(t, testDB, f.seller, tt.stock, "12.50", tt.status)

			buyer := f.buyer
			switch {
			case tt.selfPurchase:
				buyer = f.seller
			case tt.unverified:
				buyer = testutil.CreateUser(t, testDB, "stranger", models.RoleUser, false)
			}

			order, err := f.svc.CreateOrder(ctx, buyer, product, tt.quantity)
			stock, status := testutil.ProductState(t, testDB, product)
			assert.Equal(t, tt.wantStock, stock)
			assert.Equal(t, tt.wantStatus, status)

			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, 0, testutil.Count(t, testDB, "SELECT COUNT(*) FROM orders"))
				assert.Empty(t, f.rec.sent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OrderPendingSellerConfirmation, order.Status)
			assert.Equal(t, f.seller, order.SellerID)
			assert.Equal(t, "12.5", order.UnitPrice.String())
			assert.True(t, order.TotalPrice.Equal(order.UnitPrice.Mul(decimal.NewFromInt(int64(tt.quantity)))))
			assert.Equal(t, []string{notify.KindOrderPlaced}, f.rec.kinds(f.seller))
		})
	}
}

func TestService_RejectRestoresStock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, testDB, f.seller, 3, "10.00", models.ProductActive)

	order, err := f.svc.CreateOrder(ctx, f.buyer, product, 3)
	require.NoError(t, err)
	stock, status := testutil.ProductState(t, testDB, product)
	assert.Equal(t, 0, stock)
	assert.Equal(t, models.ProductSold, status)

	_, err = f.svc.RejectOrder(ctx, order.ID, f.seller, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = f.svc.RejectOrder(ctx, order.ID, f.buyer, "changed my mind")
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	rejected, err := f.svc.RejectOrder(ctx, order.ID, f.seller, "out of stock elsewhere")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, rejected.Status)
	require.NotNil(t, rejected.CancelReason)
	assert.Equal(t, "out of stock elsewhere", *rejected.CancelReason)
	assert.NotNil(t, rejected.CancelTime)

	stock, status = testutil.ProductState(t, testDB, product)
	assert.Equal(t, 3, stock)
	assert.Equal(t, models.ProductActive, status)
	assert.Equal(t, []string{notify.KindOrderCancelled}, f.rec.kinds(f.buyer))

	// A second rejection must not restore stock twice
	_, err = f.svc.RejectOrder(ctx, order.ID, f.seller, "again")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	stock, _ = testutil.ProductState(t, testDB, product)
	assert.Equal(t, 3, stock)
}

func TestService_CancelOrder(t *testing.T) {
	tests := []struct {
		name       string
		status     models.OrderStatus
		actor      string
		reason     string
		wantErr    error
		wantNotify string
	}{
		{name: "BuyerWithdraws", status: models.OrderPendingSellerConfirmation, actor: "buyer", wantNotify: "seller"},
		{name: "SellerWithReason", status: models.OrderPendingSellerConfirmation, actor: "seller", reason: "damaged", wantNotify: "buyer"},
		{name: "SellerWithoutReason", status: models.OrderPendingSellerConfirmation, actor: "seller", wantErr: errs.ErrValidation},
		{name: "Stranger", status: models.OrderPendingSellerConfirmation, actor: "admin", reason: "x", wantErr: errs.ErrForbidden},
		{name: "AlreadyConfirmed", status: models.OrderConfirmedBySeller, actor: "buyer", wantErr: errs.ErrInvalidState},
		{name: "Completed", status: models.OrderCompleted, actor: "buyer", wantErr: errs.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			ids := map[string]int64{"buyer": f.buyer, "seller": f.seller, "admin": f.admin}
			product := testutil.CreateProduct(t, testDB, f.seller, 1, "10.00", models.ProductActive)
			order := testutil.CreateOrder(t, testDB, f.seller, f.buyer, product, 2, tt.status)

			_, err := f.svc.CancelOrder(ctx, order, ids[tt.actor], tt.reason)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, tt.status, testutil.OrderStatus(t, testDB, order))
				stock, _ := testutil.ProductState(t, testDB, product)
				assert.Equal(t, 1, stock)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OrderCancelled, testutil.OrderStatus(t, testDB, order))
			stock, _ := testutil.ProductState(t, testDB, product)
			assert.Equal(t, 3, stock)
			assert.Equal(t, []string{notify.KindOrderCancelled}, f.rec.kinds(ids[tt.wantNotify]))
		})
	}
}

func TestService_ConfirmOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, testDB, f.seller, 1, "10.00", models.ProductActive)
	order := testutil.CreateOrder(t, testDB, f.seller, f.buyer, product, 1, models.OrderPendingSellerConfirmation)

	_, err := f.svc.ConfirmOrder(ctx, order, f.buyer)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	confirmed, err := f.svc.ConfirmOrder(ctx, order, f.seller)
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmedBySeller, confirmed.Status)
	assert.Equal(t, []string{notify.KindOrderConfirmed}, f.rec.kinds(f.buyer))

	_, err = f.svc.ConfirmOrder(ctx, order, f.seller)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = f.svc.ConfirmOrder(ctx, 999, f.seller)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestService_CompleteOrder(t *testing.T) {
	tests := []struct {
		name       string
		status     models.OrderStatus
		actor      string
		returnRow  models.ReturnStatus
		wantErr    error
		wantCredit int
	}{
		{name: "Buyer", status: models.OrderConfirmedBySeller, actor: "buyer", wantCredit: 81},
		{name: "AdminOverride", status: models.OrderConfirmedBySeller, actor: "admin", wantCredit: 81},
		{name: "Seller", status: models.OrderConfirmedBySeller, actor: "seller", wantErr: errs.ErrForbidden, wantCredit: 80},
		{name: "NotConfirmed", status: models.OrderPendingSellerConfirmation, actor: "buyer", wantErr: errs.ErrInvalidState, wantCredit: 80},
		{name: "OpenReturn", status: models.OrderConfirmedBySeller, actor: "buyer", returnRow: models.ReturnRequested, wantErr: errs.ErrInvalidState, wantCredit: 80},
		{name: "AcceptedReturn", status: models.OrderConfirmedBySeller, actor: "buyer", returnRow: models.ReturnAccepted, wantErr: errs.ErrInvalidState, wantCredit: 80},
		{name: "RejectedReturn", status: models.OrderConfirmedBySeller, actor: "buyer", returnRow: models.ReturnRejected, wantCredit: 81},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			ids := map[string]int64{"buyer": f.buyer, "seller": f.seller, "admin": f.admin}
			testutil.SetCredit(t, testDB, f.seller, 80)
			product := testutil.CreateProduct(t, testDB, f.seller, 1, "10.00", models.ProductActive)
			order := testutil.CreateOrder(t, testDB, f.seller, f.buyer, product, 1, tt.status)
			if tt.returnRow != "" {
				_, err := testDB.Pool.Exec(ctx, `
					INSERT INTO return_requests (order_id, buyer_id, seller_id, product_id, quantity, reason, audit_status)
					VALUES ($1, $2, $3, $4, 1, 'broken', $5)`,
					order, f.buyer, f.seller, product, tt.returnRow)
				require.NoError(t, err)
			}

			completed, err := f.svc.CompleteOrder(ctx, order, ids[tt.actor])
			assert.Equal(t, tt.wantCredit, testutil.Credit(t, testDB, f.seller))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, tt.status, testutil.OrderStatus(t, testDB, order))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OrderCompleted, completed.Status)
			assert.NotNil(t, completed.CompleteTime)
			assert.Equal(t, []string{notify.KindOrderCompleted}, f.rec.kinds(f.seller))
		})
	}
}

func TestService_CompletionAndEvaluationCredit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.SetCredit(t, testDB, f.seller, 97)
	product := testutil.CreateProduct(t, testDB, f.seller, 1, "10.00", models.ProductActive)

	order, err := f.svc.CreateOrder(ctx, f.buyer, product, 1)
	require.NoError(t, err)
	_, err = f.svc.ConfirmOrder(ctx, order.ID, f.seller)
	require.NoError(t, err)
	_, err = f.svc.CompleteOrder(ctx, order.ID, f.buyer)
	require.NoError(t, err)
	assert.Equal(t, 97+credit.CompletionBonus, testutil.Credit(t, testDB, f.seller))

	_, err = f.evals.CreateEvaluation(ctx, order.ID, f.buyer, 5, "great")
	require.NoError(t, err)
	assert.Equal(t, models.MaxCredit, testutil.Credit(t, testDB, f.seller))

	_, err = f.evals.CreateEvaluation(ctx, order.ID, f.buyer, 1, "changed my mind")
	assert.True(t, errors.Is(err, errs.ErrConflict))
	assert.Equal(t, models.MaxCredit, testutil.Credit(t, testDB, f.seller))
}

func TestService_ConcurrentLastUnit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, testDB, f.seller, 1, "10.00", models.ProductActive)
	second := testutil.CreateUser(t, testDB, "buyer2", models.RoleUser, true)

	var mu sync.Mutex
	var successes, outOfStock int
	var g errgroup.Group
	for _, buyer := range []int64{f.buyer, second} {
		buyer := buyer
		g.Go(func() error {
			_, err := f.svc.CreateOrder(ctx, buyer, product, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, errs.ErrInsufficientStock):
				outOfStock++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, outOfStock)
	stock, status := testutil.ProductState(t, testDB, product)
	assert.Equal(t, 0, stock)
	assert.Equal(t, models.ProductSold, status)
	assert.Equal(t, 1, testutil.Count(t, testDB, "SELECT COUNT(*) FROM orders"))
}

func TestService_StockConservation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	const initial = 10
	product := testutil.CreateProduct(t, testDB, f.seller, initial, "2.00", models.ProductActive)

	buyers := make([]int64, 6)
	for i := range buyers {
		buyers[i] = testutil.CreateUser(t, testDB, "buyer"+string(rune('a'+i)), models.RoleUser, true)
	}

	var g errgroup.Group
	for i, buyer := range buyers {
		i, buyer := i, buyer
		g.Go(func() error {
			order, err := f.svc.CreateOrder(ctx, buyer, product, 1+i%3)
			if errors.Is(err, errs.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			if i%2 == 0 {
				_, err = f.svc.CancelOrder(ctx, order.ID, buyer, "")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	stock, status := testutil.ProductState(t, testDB, product)
	reserved := testutil.Count(t, testDB,
		"SELECT COALESCE(SUM(quantity), 0) FROM orders WHERE product_id = $1 AND status <> 'Cancelled'", product)
	assert.Equal(t, initial, stock+reserved)
	if stock == 0 {
		assert.Equal(t, models.ProductSold, status)
	} else {
		assert.Equal(t, models.ProductActive, status)
	}
}

func TestService_GetAndList(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	product := testutil.CreateProduct(t, testDB, f.seller, 5, "10.00", models.ProductActive)
	first, err := f.svc.CreateOrder(ctx, f.buyer, product, 1)
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, f.buyer, product, 1)
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, second.ID, f.buyer, "")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, first.ID, f.seller)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	_, err = f.svc.Get(ctx, first.ID, f.admin)
	require.NoError(t, err)
	stranger := testutil.CreateUser(t, testDB, "stranger", models.RoleUser, true)
	_, err = f.svc.Get(ctx, first.ID, stranger)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	tests := []struct {
		name    string
		userID  int64
		filter  ListFilter
		wantIDs []int64
		wantErr bool
	}{
		{name: "BuyerAll", userID: f.buyer, filter: ListFilter{Side: SideBuyer}, wantIDs: []int64{second.ID, first.ID}},
		{name: "SellerCancelled", userID: f.seller, filter: ListFilter{Side: SideSeller, Status: models.OrderCancelled}, wantIDs: []int64{second.ID}},
		{name: "BuyerAsSeller", userID: f.buyer, filter: ListFilter{Side: SideSeller}, wantIDs: []int64{}},
		{name: "Paged", userID: f.seller, filter: ListFilter{PageSize: 1, Page: 2}, wantIDs: []int64{first.ID}},
		{name: "BadSide", userID: f.buyer, filter: ListFilter{Side: "owner"}, wantErr: true},
		{name: "PageTooLarge", userID: f.buyer, filter: ListFilter{Page: MaxListPage + 1}, wantErr: true},
		{name: "HugePage", userID: f.buyer, filter: ListFilter{Page: 1 << 62, PageSize: 100}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := f.svc.ListForUser(ctx, tt.userID, tt.filter)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errs.ErrValidation))
				return
			}
			require.NoError(t, err)
			ids := make([]int64, 0, len(orders))
			for _, o := range orders {
				ids = append(ids, o.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}
