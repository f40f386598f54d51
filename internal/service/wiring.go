package service

import (
	"time"

	"go.uber.org/zap"

	"posledger/internal/alert"
	"posledger/internal/credit"
	"posledger/internal/imports"
	"posledger/internal/ledger"
	"posledger/internal/metrics"
	"posledger/internal/returns"
	"posledger/internal/sale"
	"posledger/internal/store"
)

type Options struct {
	Ledger        ledger.Config
	Thresholds    alert.Thresholds
	Sinks         []alert.Sink
	BalanceCache  credit.BalanceCache
	Archive       imports.Archive
	RestockingFee returns.RestockingFee
	Metrics       *metrics.Recorder
	Logger        *zap.Logger
}

// Build wires the ledgers and engines over one repository.
func Build(repo store.Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sinks := opts.Sinks
	if len(sinks) == 0 {
		sinks = []alert.Sink{alert.NewLogSink(logger)}
	}

	publisher := alert.NewPublisher(opts.Thresholds, logger.Named("alert"), opts.Metrics, sinks...)
	stock := ledger.New(repo, publisher, opts.Ledger, logger.Named("stock"), opts.Metrics)
	sales := sale.New(repo, stock, logger.Named("sale"), opts.Metrics)
	credits := credit.New(repo, opts.BalanceCache, opts.Ledger.Retry, logger.Named("credit"), opts.Metrics)
	guard := imports.NewGuard(repo, stock, opts.Archive, logger.Named("import"), opts.Metrics)
	rets := returns.New(repo, stock, sales, credits, logger.Named("return"), opts.Metrics, returns.WithRestockingFee(opts.RestockingFee))

	return New(repo, Engines{
		Stock:   stock,
		Sales:   sales,
		Returns: rets,
		Credits: credits,
		Imports: guard,
	}, logger)
}

// Sweeper returns a reservation sweeper that resolves operations through s.
func (s *Service) Sweeper(interval time.Duration) *ledger.Sweeper {
	return ledger.NewSweeper(s.stock, s, interval, s.logger.Named("sweeper"))
}
