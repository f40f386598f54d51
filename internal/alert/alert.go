package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/metrics"
)

// Thresholds is the alert configuration in effect for one evaluation.
type Thresholds struct {
	// LowStock applies to products without their own threshold. Zero disables
	// low-stock alerts for those products.
	LowStock int
}

func (t Thresholds) lowFor(p domain.Product) int {
	if p.LowStockThreshold > 0 {
		return p.LowStockThreshold
	}
	return t.LowStock
}

func severity(kind domain.AlertKind) int {
	switch kind {
	case domain.AlertLowStock:
		return 1
	case domain.AlertOutOfStock:
		return 2
	case domain.AlertNegativeStock:
		return 3
	}
	return 0
}

// Classify returns the alert level a product's available stock sits at.
func Classify(p domain.Product, th Thresholds) (domain.AlertKind, bool) {
	available := p.Available()
	switch {
	case available < 0:
		return domain.AlertNegativeStock, true
	case available == 0:
		return domain.AlertOutOfStock, true
	case available <= th.lowFor(p):
		return domain.AlertLowStock, true
	}
	return "", false
}

// Evaluate returns the alert raised by moving from before to after. Only a
// move into a worse level raises one; recovering stock is silent.
func Evaluate(before domain.Product, after domain.Product, th Thresholds, at time.Time) []domain.StockAlert {
	afterKind, ok := Classify(after, th)
	if !ok {
		return nil
	}
	beforeKind, _ := Classify(before, th)
	if severity(afterKind) <= severity(beforeKind) {
		return nil
	}
	return []domain.StockAlert{{
		ProductID:        after.ID,
		Kind:             afterKind,
		CurrentAvailable: after.Available(),
		At:               at,
	}}
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, alert domain.StockAlert) error
}

// Publisher evaluates stock transitions and delivers alerts to every sink
// synchronously. Delivery failures are logged and counted, never returned.
type Publisher struct {
	thresholds Thresholds
	sinks      []Sink
	logger     *zap.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

func NewPublisher(thresholds Thresholds, logger *zap.Logger, recorder *metrics.Recorder, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		thresholds: thresholds,
		sinks:      sinks,
		logger:     logger,
		metrics:    recorder,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Thresholds() Thresholds {
	return p.thresholds
}

func (p *Publisher) Notify(ctx context.Context, before domain.Product, after domain.Product) []domain.StockAlert {
	alerts := Evaluate(before, after, p.thresholds, p.now())
	for _, a := range alerts {
		p.metrics.Alert(string(a.Kind))
		for _, sink := range p.sinks {
			if err := sink.Publish(ctx, a); err != nil {
				p.metrics.SinkFailure(sink.Name())
				p.logger.Warn("alert delivery failed",
					zap.String("sink", sink.Name()),
					zap.String("product_id", a.ProductID),
					zap.String("kind", string(a.Kind)),
					zap.Error(err),
				)
			}
		}
	}
	return alerts
}
