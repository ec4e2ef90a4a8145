package coordinator

import (
	"context"
	"time"

	"github.com/kv-sharding/kvcoord/pkg/batch"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
)

// FailureDetector probes every known proxy once per Run call and reports the
// unhealthy ones. A checker or reporter error for one address never prevents
// the remaining addresses of the pass from being attempted; Run returns the
// first error encountered after the whole pass has run.
type FailureDetector struct {
	retriever ProxiesRetriever
	checker   FailureChecker
	reporter  FailureReporter

	batchSize    int
	batchTimeout time.Duration
}

func NewFailureDetector(
	retriever ProxiesRetriever,
	checker FailureChecker,
	reporter FailureReporter,
	batchSize int,
	batchTimeout time.Duration,
) *FailureDetector {
	return &FailureDetector{
		retriever:    retriever,
		checker:      checker,
		reporter:     reporter,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
	}
}

// Run performs one full detection pass.
func (d *FailureDetector) Run(ctx context.Context) error {
	var res error

	batches := batch.Window(ctx, d.retriever.RetrieveProxies(ctx), d.batchSize, d.batchTimeout)
	for results := range batches {
		addrs, err := splitBatch(results)
		if err != nil && res == nil {
			res = err
		}
		for _, err := range forEachAddr(ctx, addrs, d.checkAndReport) {
			if err != nil {
				kvlog.Zero.Error().Err(err).Msg("failed to check and report proxy failure")
				if res == nil {
					res = err
				}
			}
		}
	}
	return res
}

func (d *FailureDetector) checkAndReport(ctx context.Context, address string) error {
	reportAddr, err := d.checker.Check(ctx, address)
	if err != nil {
		return err
	}
	if reportAddr == "" {
		return nil
	}
	if err := d.reporter.Report(ctx, reportAddr); err != nil {
		kvlog.Zero.Error().
			Err(err).
			Str("address", reportAddr).
			Msg("failed to report failure")
		return err
	}
	return nil
}
