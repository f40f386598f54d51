package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OversellPolicy string

const (
	OversellAllow  OversellPolicy = "allow"
	OversellReject OversellPolicy = "reject"
)

func (p OversellPolicy) Valid() bool {
	return p == OversellAllow || p == OversellReject
}

const (
	ProductStatusActive       = "active"
	ProductStatusUnregistered = "unregistered"
	ProductStatusRemoved      = "removed"
)

type Product struct {
	ID                string    `json:"id" db:"id"`
	Barcode           string    `json:"barcode" db:"barcode"`
	Name              string    `json:"name" db:"name"`
	PriceCents        int64     `json:"price_cents" db:"price_cents"`
	OnHand            int       `json:"on_hand" db:"on_hand"`
	Reserved          int       `json:"reserved" db:"reserved"`
	Version           int64     `json:"version" db:"version"`
	LowStockThreshold int       `json:"low_stock_threshold" db:"low_stock_threshold"`
	Status            string    `json:"status" db:"status"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Debt is the number of units sold beyond what was physically on hand.
func (p Product) Debt() int {
	if p.OnHand < 0 {
		return -p.OnHand
	}
	return 0
}

func (p Product) Available() int {
	return p.OnHand - p.Reserved
}

func (p Product) StockLevel() StockLevel {
	return StockLevel{
		ProductID: p.ID,
		OnHand:    p.OnHand,
		Reserved:  p.Reserved,
		Available: p.Available(),
		Debt:      p.Debt(),
		Version:   p.Version,
	}
}

type StockLevel struct {
	ProductID string `json:"product_id"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	Debt      int    `json:"debt"`
	Version   int64  `json:"version"`
}

type ProductCreateRequest struct {
	ID                string `json:"id"`
	Barcode           string `json:"barcode"`
	Name              string `json:"name"`
	PriceCents        int64  `json:"price_cents"`
	InitialStock      int    `json:"initial_stock"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

type Reservation struct {
	ProductID   string    `json:"product_id" db:"product_id"`
	OperationID string    `json:"operation_id" db:"operation_id"`
	Qty         int       `json:"qty" db:"qty"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type MovementKind string

const (
	MovementReserve MovementKind = "reserve"
	MovementRelease MovementKind = "release"
	MovementDebit   MovementKind = "debit"
	MovementCredit  MovementKind = "credit"
)

type StockMovement struct {
	ID             string       `json:"id" db:"id"`
	ProductID      string       `json:"product_id" db:"product_id"`
	OperationID    string       `json:"operation_id" db:"operation_id"`
	Kind           MovementKind `json:"kind" db:"kind"`
	Qty            int          `json:"qty" db:"qty"`
	OnHandBefore   int          `json:"on_hand_before" db:"on_hand_before"`
	OnHandAfter    int          `json:"on_hand_after" db:"on_hand_after"`
	ReservedBefore int          `json:"reserved_before" db:"reserved_before"`
	ReservedAfter  int          `json:"reserved_after" db:"reserved_after"`
	Reference      string       `json:"reference,omitempty" db:"reference"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// StockWrite is a single conditional write against one product row. The store
// applies it only when the stored version still equals ExpectedVersion.
type StockWrite struct {
	ProductID       string
	ExpectedVersion int64
	OnHand          int
	Reserved        int
	Movement        StockMovement
	PutReservation  *Reservation
	DropReservation bool
	ImportRecord    *ImportRecord
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountAbsolute   DiscountType = "absolute"
)

type Discount struct {
	Type        DiscountType    `json:"type"`
	Percent     decimal.Decimal `json:"percent,omitempty"`
	AmountCents int64           `json:"amount_cents,omitempty"`
}

type SaleLineRequest struct {
	ProductID      string `json:"product_id"`
	Barcode        string `json:"barcode"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents *int64 `json:"unit_price_cents,omitempty"`
	Placeholder    bool   `json:"placeholder"`
}

type SaleRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	CustomerID     string            `json:"customer_id"`
	Lines          []SaleLineRequest `json:"lines"`
	Discount       *Discount         `json:"discount,omitempty"`
	PaymentMethod  string            `json:"payment_method"`
	Oversell       OversellPolicy    `json:"oversell,omitempty"`
}

type SaleLine struct {
	LineNo         int    `json:"line_no"`
	ProductID      string `json:"product_id"`
	Barcode        string `json:"barcode,omitempty"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
	Placeholder    bool   `json:"placeholder"`
}

type Sale struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	Lines          []SaleLine     `json:"lines"`
	SubtotalCents  int64          `json:"subtotal_cents"`
	Discount       *Discount      `json:"discount,omitempty"`
	DiscountCents  int64          `json:"discount_cents"`
	TotalCents     int64          `json:"total_cents"`
	PaymentMethod  string         `json:"payment_method"`
	Oversell       OversellPolicy `json:"oversell"`
	Cashier        string         `json:"cashier"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Line returns the sale line with the given number.
func (s Sale) Line(lineNo int) (SaleLine, bool) {
	for _, line := range s.Lines {
		if line.LineNo == lineNo {
			return line, true
		}
	}
	return SaleLine{}, false
}

type ReturnType string

const (
	ReturnTypeReturn   ReturnType = "return"
	ReturnTypeExchange ReturnType = "exchange"
)

type ReturnReason string

const (
	ReasonDefective   ReturnReason = "defective"
	ReasonWrongSize   ReturnReason = "wrong_size"
	ReasonWrongItem   ReturnReason = "wrong_item"
	ReasonChangedMind ReturnReason = "changed_mind"
	ReasonOther       ReturnReason = "other"
)

func (r ReturnReason) Valid() bool {
	switch r {
	case ReasonDefective, ReasonWrongSize, ReasonWrongItem, ReasonChangedMind, ReasonOther:
		return true
	}
	return false
}

type ReturnStatus string

const (
	ReturnPending   ReturnStatus = "pending"
	ReturnApproved  ReturnStatus = "approved"
	ReturnCompleted ReturnStatus = "completed"
	ReturnRejected  ReturnStatus = "rejected"
)

type RefundMethod string

const (
	RefundSamePayment RefundMethod = "same_payment"
	RefundStoreCredit RefundMethod = "store_credit"
	RefundExchange    RefundMethod = "exchange"
)

// ReturnLine is one returned sale line. RefundCents is the line's share of
// what the customer paid; RefundPriceCents is that share per unit, rounded
// down.
type ReturnLine struct {
	SaleLineNo       int    `json:"sale_line_no"`
	ProductID        string `json:"product_id"`
	Qty              int    `json:"qty"`
	RefundPriceCents int64  `json:"refund_price_cents"`
	RefundCents      int64  `json:"refund_cents"`
}

type ExchangeLine struct {
	SaleLineNo            int    `json:"sale_line_no"`
	OriginalProductID     string `json:"original_product_id"`
	ReplacementProductID  string `json:"replacement_product_id"`
	Qty                   int    `json:"qty"`
	OriginalPriceCents    int64  `json:"original_price_cents"`
	ReplacementPriceCents int64  `json:"replacement_price_cents"`
	PriceDifferenceCents  int64  `json:"price_difference_cents"`
}

type ReturnTransition struct {
	From  ReturnStatus `json:"from"`
	To    ReturnStatus `json:"to"`
	Actor string       `json:"actor"`
	At    time.Time    `json:"at"`
}

// Return is a return or exchange request against one sale. ReplacementHold
// names the stock operation currently holding an exchange's replacements.
type Return struct {
	ID                 string             `json:"id"`
	SaleID             string             `json:"sale_id"`
	CustomerID         string             `json:"customer_id,omitempty"`
	Type               ReturnType         `json:"type"`
	Reason             ReturnReason       `json:"reason"`
	Status             ReturnStatus       `json:"status"`
	RefundMethod       RefundMethod       `json:"refund_method"`
	ExchangeSettlement RefundMethod       `json:"exchange_settlement,omitempty"`
	Lines              []ReturnLine       `json:"lines"`
	ExchangeLines      []ExchangeLine     `json:"exchange_lines,omitempty"`
	RestockingFeeCents int64              `json:"restocking_fee_cents"`
	RefundAmountCents  int64              `json:"refund_amount_cents"`
	SettlementCents    int64              `json:"settlement_cents"`
	ReplacementHold    string             `json:"replacement_hold,omitempty"`
	HoldAttempts       int                `json:"hold_attempts,omitempty"`
	Note               string             `json:"note,omitempty"`
	Transitions        []ReturnTransition `json:"transitions"`
	Version            int64              `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (r Return) Terminal() bool {
	return r.Status == ReturnCompleted || r.Status == ReturnRejected
}

type ReturnLineRequest struct {
	SaleLineNo int `json:"sale_line_no"`
	Qty        int `json:"qty"`
}

type ExchangeLineRequest struct {
	SaleLineNo           int    `json:"sale_line_no"`
	ReplacementProductID string `json:"replacement_product_id"`
	Qty                  int    `json:"qty"`
}

type ReturnRequest struct {
	SaleID             string                `json:"sale_id"`
	Type               ReturnType            `json:"type"`
	Reason             ReturnReason          `json:"reason"`
	RefundMethod       RefundMethod          `json:"refund_method"`
	ExchangeSettlement RefundMethod          `json:"exchange_settlement,omitempty"`
	Lines              []ReturnLineRequest   `json:"lines"`
	ExchangeLines      []ExchangeLineRequest `json:"exchange_lines,omitempty"`
	Note               string                `json:"note,omitempty"`
}

type CreditType string

const (
	CreditTypeCredit CreditType = "credit"
	CreditTypeDebit  CreditType = "debit"
)

type StoreCreditTransaction struct {
	ID             string     `json:"id" db:"id"`
	CustomerID     string     `json:"customer_id" db:"customer_id"`
	Seq            int64      `json:"seq" db:"seq"`
	Type           CreditType `json:"type" db:"type"`
	AmountCents    int64      `json:"amount_cents" db:"amount_cents"`
	Reference      string     `json:"reference" db:"reference"`
	IdempotencyKey string     `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

type StoreCreditAccount struct {
	CustomerID   string `json:"customer_id"`
	BalanceCents int64  `json:"balance_cents"`
	Seq          int64  `json:"seq"`
}

type StoreCreditStatement struct {
	Account      StoreCreditAccount       `json:"account"`
	Transactions []StoreCreditTransaction `json:"transactions"`
}

type CreditDebitRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

const ImportStatusAccepted = "accepted"

type ImportRecord struct {
	Fingerprint    string    `json:"fingerprint" db:"fingerprint"`
	Status         string    `json:"status" db:"status"`
	SupplierID     string    `json:"supplier_id" db:"supplier_id"`
	DocumentNumber string    `json:"document_number" db:"document_number"`
	LineCount      int       `json:"line_count" db:"line_count"`
	UnitsCredited  int       `json:"units_credited" db:"units_credited"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type ImportLine struct {
	ProductID  string `json:"product_id"`
	Barcode    string `json:"barcode"`
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type ImportDocument struct {
	SupplierID     string       `json:"supplier_id"`
	DocumentNumber string       `json:"document_number"`
	EmissionDate   time.Time    `json:"emission_date"`
	Lines          []ImportLine `json:"lines"`
}

type ImportRequest struct {
	Fingerprint string         `json:"fingerprint"`
	Document    ImportDocument `json:"document"`
}

type AlertKind string

const (
	AlertLowStock      AlertKind = "low_stock"
	AlertOutOfStock    AlertKind = "out_of_stock"
	AlertNegativeStock AlertKind = "negative_stock"
)

type StockAlert struct {
	ProductID        string    `json:"product_id"`
	Kind             AlertKind `json:"kind"`
	CurrentAvailable int       `json:"current_available"`
	At               time.Time `json:"at"`
}

type AuditLog struct {
	ID         string          `json:"id" db:"id"`
	Actor      string          `json:"actor" db:"actor"`
	Role       string          `json:"role" db:"role"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Detail     json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username  string    `json:"username" db:"username"`
	Password  string    `json:"-" db:"password_hash"`
	Role      string    `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
