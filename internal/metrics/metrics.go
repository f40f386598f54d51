package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"posledger/internal/store"
)

// Recorder collects ledger and engine metrics. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	ledgerOps     *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	conflicts     *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	sinkFailures  *prometheus.CounterVec
	sales         *prometheus.CounterVec
	returns       *prometheus.CounterVec
	imports       *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by ledger, operation and result.",
		}, []string{"ledger", "op", "result"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "posledger",
			Name:      "ledger_operation_seconds",
			Help:      "Ledger operation latency including retries.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"ledger", "op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts that triggered a retry.",
		}, []string{"ledger"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "stock_alerts_total",
			Help:      "Stock alerts emitted by kind.",
		}, []string{"kind"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "alert_sink_failures_total",
			Help:      "Alert deliveries that failed by sink.",
		}, []string{"sink"}),
		sales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "sales_total",
			Help:      "Sale attempts by result.",
		}, []string{"result"}),
		returns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "return_transitions_total",
			Help:      "Return state transitions by target state and result.",
		}, []string{"to", "result"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "imports_total",
			Help:      "Import batches by result.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "reservations_swept_total",
			Help:      "Expired reservations handled by the sweeper by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(r.ledgerOps, r.ledgerLatency, r.conflicts, r.alerts, r.sinkFailures, r.sales, r.returns, r.imports, r.sweeps)
	}
	return r
}

func (r *Recorder) Observe(ledger string, op string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.ledgerOps.WithLabelValues(ledger, op, Result(err)).Inc()
	r.ledgerLatency.WithLabelValues(ledger, op).Observe(duration.Seconds())
}

func (r *Recorder) Conflict(ledger string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(ledger).Inc()
}

func (r *Recorder) Alert(kind string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(kind).Inc()
}

func (r *Recorder) SinkFailure(sink string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(sink).Inc()
}

func (r *Recorder) Sale(err error) {
	if r == nil {
		return
	}
	r.sales.WithLabelValues(Result(err)).Inc()
}

func (r *Recorder) ReturnTransition(to string, err error) {
	if r == nil {
		return
	}
	r.returns.WithLabelValues(to, Result(err)).Inc()
}

func (r *Recorder) Import(err error) {
	if r == nil {
		return
	}
	r.imports.WithLabelValues(Result(err)).Inc()
}

func (r *Recorder) Swept(outcome string) {
	if r == nil {
		return
	}
	r.sweeps.WithLabelValues(outcome).Inc()
}

// Result maps an error to a bounded label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, store.ErrOverReturn):
		return "over_return"
	case errors.Is(err, store.ErrDuplicateImport):
		return "duplicate_import"
	case errors.Is(err, store.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, store.ErrInvalidLine):
		return "invalid_line"
	case errors.Is(err, store.ErrInvalidReturnState):
		return "invalid_return_state"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
