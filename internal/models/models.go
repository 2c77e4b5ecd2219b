package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role of a user in the directory
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Credit bounds shared by every credit mutation
const (
	MinCredit     = 0
	MaxCredit     = 100
	InitialCredit = 100
)

// User represents a directory entry as seen by the core
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	IsVerified   bool      `json:"is_verified"`
	Credit       int       `json:"credit"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// ProductStatus is a state of the product state machine
type ProductStatus string

const (
	ProductPendingReview ProductStatus = "PendingReview"
	ProductRejected      ProductStatus = "Rejected"
	ProductActive        ProductStatus = "Active"
	ProductSold          ProductStatus = "Sold"
	ProductWithdrawn     ProductStatus = "Withdrawn"
	ProductDeleted       ProductStatus = "Deleted"
)

// Public reports whether anyone may see a product in this state. The rest
// are visible to the owner and admins only.
func (s ProductStatus) Public() bool {
	return s == ProductActive || s == ProductSold
}

// Product represents a listed item and its stock counter
type Product struct {
	ID           int64           `json:"id"`
	OwnerID      int64           `json:"owner_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	Category     string          `json:"category"`
	Status       ProductStatus   `json:"status"`
	RejectReason *string         `json:"reject_reason,omitempty"`
	PostTime     time.Time       `json:"post_time"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Favorite links a user to a product they follow
type Favorite struct {
	UserID    int64     `json:"user_id"`
	ProductID int64     `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderStatus is a state of the order lifecycle
type OrderStatus string

const (
	OrderPendingSellerConfirmation OrderStatus = "PendingSellerConfirmation"
	OrderConfirmedBySeller         OrderStatus = "ConfirmedBySeller"
	OrderCompleted                 OrderStatus = "Completed"
	OrderCancelled                 OrderStatus = "Cancelled"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Order represents a purchase of a product by a buyer
type Order struct {
	ID           int64           `json:"id"`
	SellerID     int64           `json:"seller_id"`
	BuyerID      int64           `json:"buyer_id"`
	ProductID    int64           `json:"product_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompleteTime *time.Time      `json:"complete_time,omitempty"`
	CancelTime   *time.Time      `json:"cancel_time,omitempty"`
	CancelReason *string         `json:"cancel_reason,omitempty"`
}

// Evaluation is the single buyer rating of a completed order
type Evaluation struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	SellerID  int64     `json:"seller_id"`
	BuyerID   int64     `json:"buyer_id"`
	ProductID int64     `json:"product_id"`
	Rating    int       `json:"rating"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ReturnStatus is a state of the return workflow
type ReturnStatus string

const (
	ReturnRequested       ReturnStatus = "ReturnRequested"
	ReturnAccepted        ReturnStatus = "ReturnAccepted"
	ReturnRejected        ReturnStatus = "ReturnRejected"
	InterventionRequested ReturnStatus = "InterventionRequested"
	InterventionResolved  ReturnStatus = "InterventionResolved"
)

// ReturnRequest is a post-sale dispute raised by the buyer
type ReturnRequest struct {
	ID                int64         `json:"id"`
	OrderID           int64         `json:"order_id"`
	BuyerID           int64         `json:"buyer_id"`
	SellerID          int64         `json:"seller_id"`
	ProductID         int64         `json:"product_id"`
	Quantity          int           `json:"quantity"`
	Reason            string        `json:"reason"`
	ApplyTime         time.Time     `json:"apply_time"`
	SellerAgree       *bool         `json:"seller_agree,omitempty"`
	SellerNote        *string       `json:"seller_note,omitempty"`
	BuyerIntervention bool          `json:"buyer_intervention"`
	AuditStatus       ReturnStatus  `json:"audit_status"`
	FinalStatus       *ReturnStatus `json:"final_status,omitempty"`
	AuditTime         *time.Time    `json:"audit_time,omitempty"`
	AuditIdea         *string       `json:"audit_idea,omitempty"`
	AdminID           *int64        `json:"admin_id,omitempty"`
}

// Accepted reports whether the return ended with the goods coming back
func (r *ReturnRequest) Accepted() bool {
	if r.AuditStatus == ReturnAccepted {
		return true
	}
	return r.AuditStatus == InterventionResolved && r.FinalStatus != nil && *r.FinalStatus == ReturnAccepted
}

// CreditSource names what caused a credit change
type CreditSource string

const (
	CreditOrderCompleted CreditSource = "order_completed"
	CreditEvaluation     CreditSource = "evaluation"
	CreditAdminAdjust    CreditSource = "admin_adjust"
	CreditIntervention   CreditSource = "intervention"
)

// CreditEvent is one journal line of the credit ledger
type CreditEvent struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Delta       int          `json:"delta"`
	Before      int          `json:"before"`
	After       int          `json:"after"`
	Source      CreditSource `json:"source"`
	ReferenceID *int64       `json:"reference_id,omitempty"`
	ActorID     *int64       `json:"actor_id,omitempty"`
	Reason      string       `json:"reason"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Notification is a message addressed to one user
type Notification struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
