package returns

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/metrics"
	"posledger/internal/sale"
	"posledger/internal/store"
	"posledger/internal/syncx"
	"posledger/internal/xid"
)

type Repository interface {
	store.ReturnStore
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

type StockLedger interface {
	Credit(ctx context.Context, productID string, operationID string, qty int, reference string) (*domain.Product, error)
}

// Lines is the multi-line reserve/commit/release protocol used for exchange
// replacements.
type Lines interface {
	ReserveLines(ctx context.Context, operationID string, lines []sale.LineQty, policy domain.OversellPolicy) error
	CommitLines(ctx context.Context, operationID string, lines []sale.LineQty, policy domain.OversellPolicy) error
	ReleaseLines(ctx context.Context, operationID string, lines []sale.LineQty) error
}

type CreditLedger interface {
	Credit(ctx context.Context, customerID string, amountCents int64, reference string, idempotencyKey string) (*domain.StoreCreditTransaction, error)
	Debit(ctx context.Context, customerID string, amountCents int64, reference string, idempotencyKey string) (*domain.StoreCreditTransaction, error)
}

// RestockingFee returns the fee withheld from a return's refund.
type RestockingFee func(ret domain.Return) int64

type Engine struct {
	repo          Repository
	stock         StockLedger
	lines         Lines
	credit        CreditLedger
	restockingFee RestockingFee
	locks         *syncx.KeyedMutex
	logger        *zap.Logger
	metrics       *metrics.Recorder
	now           func() time.Time
}

type Option func(*Engine)

func WithRestockingFee(fee RestockingFee) Option {
	return func(e *Engine) {
		if fee != nil {
			e.restockingFee = fee
		}
	}
}

func New(repo Repository, stock StockLedger, lines Lines, credit CreditLedger, logger *zap.Logger, recorder *metrics.Recorder, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		repo:          repo,
		stock:         stock,
		lines:         lines,
		credit:        credit,
		restockingFee: func(domain.Return) int64 { return 0 },
		locks:         syncx.NewKeyedMutex(),
		logger:        logger,
		metrics:       recorder,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Get(ctx context.Context, id string) (*domain.Return, error) {
	return e.repo.GetReturn(ctx, strings.TrimSpace(id))
}

func (e *Engine) Create(ctx context.Context, req domain.ReturnRequest, actor domain.Actor) (*domain.Return, error) {
	ret, err := e.create(ctx, req, actor)
	e.metrics.ReturnTransition(string(domain.ReturnPending), err)
	return ret, err
}

func (e *Engine) create(ctx context.Context, req domain.ReturnRequest, actor domain.Actor) (*domain.Return, error) {
	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" {
		return nil, fmt.Errorf("return: sale required: %w", store.ErrInvalidInput)
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("return reason %q: %w", req.Reason, store.ErrInvalidInput)
	}
	sold, err := e.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("sale %s: %w", saleID, err)
	}

	ret := domain.Return{
		ID:         xid.New("ret"),
		SaleID:     sold.ID,
		CustomerID: sold.CustomerID,
		Type:       req.Type,
		Reason:     req.Reason,
		Status:     domain.ReturnPending,
		Note:       strings.TrimSpace(req.Note),
	}

	switch req.Type {
	case domain.ReturnTypeReturn:
		if req.RefundMethod != domain.RefundSamePayment && req.RefundMethod != domain.RefundStoreCredit {
			return nil, fmt.Errorf("refund method %q not valid for a return: %w", req.RefundMethod, store.ErrInvalidInput)
		}
		if len(req.ExchangeLines) > 0 {
			return nil, fmt.Errorf("return carries exchange lines: %w", store.ErrInvalidInput)
		}
		ret.RefundMethod = req.RefundMethod
		ret.Lines, err = returnLines(*sold, req.Lines)
		if err != nil {
			return nil, err
		}
	case domain.ReturnTypeExchange:
		if req.RefundMethod != "" && req.RefundMethod != domain.RefundExchange {
			return nil, fmt.Errorf("refund method %q not valid for an exchange: %w", req.RefundMethod, store.ErrInvalidInput)
		}
		if len(req.Lines) > 0 {
			return nil, fmt.Errorf("exchange carries return lines: %w", store.ErrInvalidInput)
		}
		ret.RefundMethod = domain.RefundExchange
		ret.ExchangeSettlement = req.ExchangeSettlement
		if ret.ExchangeSettlement == "" {
			ret.ExchangeSettlement = domain.RefundSamePayment
		}
		if ret.ExchangeSettlement != domain.RefundSamePayment && ret.ExchangeSettlement != domain.RefundStoreCredit {
			return nil, fmt.Errorf("exchange settlement %q: %w", req.ExchangeSettlement, store.ErrInvalidInput)
		}
		ret.Lines, ret.ExchangeLines, err = e.exchangeLines(ctx, *sold, req.ExchangeLines)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("return type %q: %w", req.Type, store.ErrInvalidInput)
	}

	usesCredit := ret.RefundMethod == domain.RefundStoreCredit || ret.ExchangeSettlement == domain.RefundStoreCredit
	if usesCredit && ret.CustomerID == "" {
		return nil, fmt.Errorf("sale %s has no customer for store credit: %w", sold.ID, store.ErrInvalidInput)
	}

	var value int64
	for _, line := range ret.Lines {
		value += line.RefundCents
	}
	fee := e.restockingFee(ret)
	if fee < 0 {
		fee = 0
	}
	ret.RestockingFeeCents = fee
	ret.RefundAmountCents = value - fee
	if ret.RefundAmountCents < 0 {
		ret.RefundAmountCents = 0
	}
	if ret.Type == domain.ReturnTypeExchange {
		var replacement int64
		for _, line := range ret.ExchangeLines {
			replacement += line.ReplacementPriceCents * int64(line.Qty)
		}
		ret.SettlementCents = replacement - ret.RefundAmountCents
	}

	now := e.now()
	ret.Transitions = []domain.ReturnTransition{{To: domain.ReturnPending, Actor: actor.Username, At: now}}
	ret.CreatedAt = now
	ret.UpdatedAt = now

	created, err := e.repo.CreateReturn(ctx, ret)
	if err != nil {
		return nil, err
	}
	e.logger.Info("return created",
		zap.String("return_id", created.ID),
		zap.String("sale_id", created.SaleID),
		zap.String("type", string(created.Type)),
		zap.Int64("refund_cents", created.RefundAmountCents),
	)
	return created, nil
}

// lineShares splits what the customer paid over the sale lines in
// proportion to their line totals. The shares add up to the sale total; the
// leftover cents go to the lines with the largest remainders.
func lineShares(s domain.Sale) map[int]int64 {
	shares := make(map[int]int64, len(s.Lines))
	if s.SubtotalCents <= 0 || s.TotalCents <= 0 {
		return shares
	}
	type remainder struct {
		lineNo int
		rest   decimal.Decimal
	}
	total := decimal.NewFromInt(s.TotalCents)
	subtotal := decimal.NewFromInt(s.SubtotalCents)
	rests := make([]remainder, 0, len(s.Lines))
	var allocated int64
	for _, line := range s.Lines {
		q, r := decimal.NewFromInt(line.LineTotalCents).Mul(total).QuoRem(subtotal, 0)
		shares[line.LineNo] = q.IntPart()
		allocated += q.IntPart()
		rests = append(rests, remainder{lineNo: line.LineNo, rest: r})
	}
	slices.SortStableFunc(rests, func(a, b remainder) int {
		return b.rest.Cmp(a.rest)
	})
	for i := 0; allocated < s.TotalCents && i < len(rests); i++ {
		shares[rests[i].lineNo]++
		allocated++
	}
	return shares
}

// refundFor is the refund for qty units of a line whose share is share.
// Partial returns round down so several of them never exceed the share.
func refundFor(share int64, line domain.SaleLine, qty int) int64 {
	if qty >= line.Qty || line.Qty <= 0 {
		return share
	}
	q, _ := decimal.NewFromInt(share).Mul(decimal.NewFromInt(int64(qty))).QuoRem(decimal.NewFromInt(int64(line.Qty)), 0)
	return q.IntPart()
}

func returnLine(line domain.SaleLine, qty int, share int64) domain.ReturnLine {
	refund := refundFor(share, line, qty)
	return domain.ReturnLine{
		SaleLineNo:       line.LineNo,
		ProductID:        line.ProductID,
		Qty:              qty,
		RefundPriceCents: refund / int64(qty),
		RefundCents:      refund,
	}
}

func saleLine(s domain.Sale, lineNo int, qty int, seen map[int]bool) (domain.SaleLine, error) {
	line, ok := s.Line(lineNo)
	if !ok {
		return domain.SaleLine{}, fmt.Errorf("sale line %d does not exist: %w", lineNo, store.ErrInvalidLine)
	}
	if seen[lineNo] {
		return domain.SaleLine{}, fmt.Errorf("sale line %d listed twice: %w", lineNo, store.ErrInvalidLine)
	}
	seen[lineNo] = true
	if qty <= 0 {
		return domain.SaleLine{}, fmt.Errorf("sale line %d: quantity must be positive: %w", lineNo, store.ErrInvalidLine)
	}
	if qty > line.Qty {
		return domain.SaleLine{}, fmt.Errorf("sale line %d: sold %d, returning %d: %w", lineNo, line.Qty, qty, store.ErrOverReturn)
	}
	return line, nil
}

func returnLines(s domain.Sale, reqs []domain.ReturnLineRequest) ([]domain.ReturnLine, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("return has no lines: %w", store.ErrInvalidLine)
	}
	seen := make(map[int]bool, len(reqs))
	shares := lineShares(s)
	lines := make([]domain.ReturnLine, 0, len(reqs))
	for _, req := range reqs {
		line, err := saleLine(s, req.SaleLineNo, req.Qty, seen)
		if err != nil {
			return nil, err
		}
		lines = append(lines, returnLine(line, req.Qty, shares[line.LineNo]))
	}
	return lines, nil
}

func (e *Engine) exchangeLines(ctx context.Context, s domain.Sale, reqs []domain.ExchangeLineRequest) ([]domain.ReturnLine, []domain.ExchangeLine, error) {
	if len(reqs) == 0 {
		return nil, nil, fmt.Errorf("exchange has no lines: %w", store.ErrInvalidLine)
	}
	seen := make(map[int]bool, len(reqs))
	shares := lineShares(s)
	returned := make([]domain.ReturnLine, 0, len(reqs))
	exchanged := make([]domain.ExchangeLine, 0, len(reqs))
	for _, req := range reqs {
		line, err := saleLine(s, req.SaleLineNo, req.Qty, seen)
		if err != nil {
			return nil, nil, err
		}
		replacementID := strings.TrimSpace(req.ReplacementProductID)
		if replacementID == "" {
			return nil, nil, fmt.Errorf("sale line %d: replacement product required: %w", req.SaleLineNo, store.ErrInvalidLine)
		}
		replacement, err := e.repo.GetProduct(ctx, replacementID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && replacement.Status == domain.ProductStatusRemoved) {
			return nil, nil, fmt.Errorf("sale line %d: replacement %s unavailable: %w", req.SaleLineNo, replacementID, store.ErrInvalidLine)
		}
		if err != nil {
			return nil, nil, err
		}

		back := returnLine(line, req.Qty, shares[line.LineNo])
		returned = append(returned, back)
		exchanged = append(exchanged, domain.ExchangeLine{
			SaleLineNo:            line.LineNo,
			OriginalProductID:     line.ProductID,
			ReplacementProductID:  replacement.ID,
			Qty:                   req.Qty,
			OriginalPriceCents:    back.RefundPriceCents,
			ReplacementPriceCents: replacement.PriceCents,
			PriceDifferenceCents:  replacement.PriceCents*int64(req.Qty) - back.RefundCents,
		})
	}
	return returned, exchanged, nil
}

// Approve checks the return against what is still returnable on the sale.
func (e *Engine) Approve(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error) {
	ret, err := e.approve(ctx, strings.TrimSpace(id), actor)
	e.metrics.ReturnTransition(string(domain.ReturnApproved), err)
	return ret, err
}

func (e *Engine) approve(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error) {
	ret, err := e.repo.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}

	// Approvals of the same sale are serialised so the returned quantities
	// they check against cannot move underneath them.
	unlock := e.locks.Lock("sale:" + ret.SaleID)
	defer unlock()

	ret, err = e.repo.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if ret.Status != domain.ReturnPending {
		return nil, fmt.Errorf("return %s is %s: %w", ret.ID, ret.Status, store.ErrInvalidReturnState)
	}
	sold, err := e.repo.GetSale(ctx, ret.SaleID)
	if err != nil {
		return nil, err
	}
	already, err := e.repo.GetReturnedQtyBySale(ctx, ret.SaleID, ret.ID)
	if err != nil {
		return nil, err
	}
	if err := store.CheckReturnable(*sold, already, ret.Lines); err != nil {
		return nil, err
	}
	// The store repeats the check inside the write, which covers approvals
	// made by other processes sharing the database.
	return e.advance(ctx, *ret, domain.ReturnApproved, actor, e.repo.ApproveReturn)
}

func (e *Engine) Reject(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error) {
	ret, err := e.reject(ctx, strings.TrimSpace(id), actor)
	e.metrics.ReturnTransition(string(domain.ReturnRejected), err)
	return ret, err
}

func (e *Engine) reject(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	ret, err := e.repo.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if ret.Status != domain.ReturnPending {
		return nil, fmt.Errorf("return %s is %s: %w", ret.ID, ret.Status, store.ErrInvalidReturnState)
	}
	return e.transition(ctx, *ret, domain.ReturnRejected, actor)
}

// Complete moves stock and money for an approved return. Replacements are
// held first; a failure there or at the settlement debit leaves no effect
// behind. Later steps are keyed by the return, so calling Complete again
// after a failure in them finishes the remaining steps only. A completed
// return is returned unchanged.
func (e *Engine) Complete(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error) {
	ret, err := e.complete(ctx, strings.TrimSpace(id), actor)
	e.metrics.ReturnTransition(string(domain.ReturnCompleted), err)
	return ret, err
}

func (e *Engine) complete(ctx context.Context, id string, actor domain.Actor) (*domain.Return, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	ret, err := e.repo.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if ret.Status == domain.ReturnCompleted {
		return ret, nil
	}
	if ret.Status != domain.ReturnApproved {
		return nil, fmt.Errorf("return %s is %s: %w", ret.ID, ret.Status, store.ErrInvalidReturnState)
	}

	reference := "return " + ret.ID
	var replacements []sale.LineQty
	if ret.Type == domain.ReturnTypeExchange {
		for _, line := range ret.ExchangeLines {
			replacements = append(replacements, sale.LineQty{LineNo: line.SaleLineNo, ProductID: line.ReplacementProductID, Qty: line.Qty})
		}
		replacements = sale.Aggregate(replacements)
		ret, err = e.holdReplacements(ctx, ret, replacements)
		if err != nil {
			return nil, err
		}
		if ret.ExchangeSettlement == domain.RefundStoreCredit && ret.SettlementCents > 0 {
			_, err := e.credit.Debit(ctx, ret.CustomerID, ret.SettlementCents, reference, settlementKey(ret.ID))
			if err != nil {
				if rerr := e.lines.ReleaseLines(ctx, ret.ReplacementHold, replacements); rerr != nil {
					e.logger.Warn("release replacements", zap.String("return_id", ret.ID), zap.Error(rerr))
				}
				return nil, err
			}
		}
	}

	for n, line := range ret.Lines {
		operationID := fmt.Sprintf("%s/%d", ret.ID, n+1)
		if _, err := e.stock.Credit(ctx, line.ProductID, operationID, line.Qty, reference); err != nil {
			return nil, fmt.Errorf("sale line %d: %w", line.SaleLineNo, err)
		}
	}

	if len(replacements) > 0 {
		if err := e.lines.CommitLines(ctx, ret.ReplacementHold, replacements, ""); err != nil {
			return nil, err
		}
	}

	switch {
	case ret.RefundMethod == domain.RefundStoreCredit && ret.RefundAmountCents > 0:
		if _, err := e.credit.Credit(ctx, ret.CustomerID, ret.RefundAmountCents, reference, refundKey(ret.ID)); err != nil {
			return nil, err
		}
	case ret.Type == domain.ReturnTypeExchange && ret.ExchangeSettlement == domain.RefundStoreCredit && ret.SettlementCents < 0:
		if _, err := e.credit.Credit(ctx, ret.CustomerID, -ret.SettlementCents, reference, settlementKey(ret.ID)); err != nil {
			return nil, err
		}
	}

	completed, err := e.transition(ctx, *ret, domain.ReturnCompleted, actor)
	if err != nil {
		return nil, err
	}
	e.logger.Info("return completed",
		zap.String("return_id", completed.ID),
		zap.String("refund_method", string(completed.RefundMethod)),
		zap.Int64("refund_cents", completed.RefundAmountCents),
		zap.Int64("settlement_cents", completed.SettlementCents),
	)
	return completed, nil
}

// holdReplacements reserves the exchange replacements before any stock or
// money moves. The hold id is stored on the return so a retry after a crash
// finds its reservation again. Once a hold has been released, by a failed
// attempt or by the sweeper, the next attempt takes a fresh one.
func (e *Engine) holdReplacements(ctx context.Context, ret *domain.Return, replacements []sale.LineQty) (*domain.Return, error) {
	var err error
	if ret.ReplacementHold == "" {
		if ret, err = e.newHold(ctx, *ret); err != nil {
			return nil, err
		}
	}
	err = e.lines.ReserveLines(ctx, ret.ReplacementHold, replacements, "")
	if errors.Is(err, store.ErrReservationReleased) {
		if ret, err = e.newHold(ctx, *ret); err != nil {
			return nil, err
		}
		err = e.lines.ReserveLines(ctx, ret.ReplacementHold, replacements, "")
	}
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (e *Engine) newHold(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	next := ret
	next.HoldAttempts++
	next.ReplacementHold = HoldID(ret.ID, next.HoldAttempts)
	next.UpdatedAt = e.now()
	updated, err := e.repo.UpdateReturn(ctx, next, ret.Version)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, fmt.Errorf("return %s: %w", ret.ID, store.ErrConcurrentModification)
	}
	return updated, err
}

const holdSeparator = "/hold-"

// HoldID is the stock operation id of an exchange's n-th replacement hold.
func HoldID(returnID string, n int) string {
	return fmt.Sprintf("%s%s%d", returnID, holdSeparator, n)
}

// ReturnOfHold reports the return owning a replacement hold operation id.
func ReturnOfHold(operationID string) (string, bool) {
	returnID, _, ok := strings.Cut(operationID, holdSeparator)
	return returnID, ok && returnID != ""
}

func refundKey(returnID string) string {
	return "return:" + returnID + ":refund"
}

func settlementKey(returnID string) string {
	return "return:" + returnID + ":settlement"
}

type writeFunc func(ctx context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error)

func (e *Engine) transition(ctx context.Context, ret domain.Return, to domain.ReturnStatus, actor domain.Actor) (*domain.Return, error) {
	return e.advance(ctx, ret, to, actor, e.repo.UpdateReturn)
}

func (e *Engine) advance(ctx context.Context, ret domain.Return, to domain.ReturnStatus, actor domain.Actor, write writeFunc) (*domain.Return, error) {
	now := e.now()
	expected := ret.Version
	next := ret
	next.Transitions = append(append([]domain.ReturnTransition(nil), ret.Transitions...), domain.ReturnTransition{
		From:  ret.Status,
		To:    to,
		Actor: actor.Username,
		At:    now,
	})
	next.Status = to
	next.UpdatedAt = now

	updated, err := write(ctx, next, expected)
	if errors.Is(err, store.ErrVersionConflict) {
		latest, gerr := e.repo.GetReturn(ctx, ret.ID)
		if gerr == nil && latest.Status == to {
			return latest, nil
		}
		return nil, fmt.Errorf("return %s: %w", ret.ID, store.ErrConcurrentModification)
	}
	return updated, err
}
