package coordinator

import (
	"context"
	"time"

	"github.com/kv-sharding/kvcoord/pkg/batch"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
)

// FailureHandler runs the recovery action for every reported proxy failure
// once per Run call. Handling errors are downgraded to logged events since
// the next pass retries them; only retrieval errors fail the pass.
type FailureHandler struct {
	retriever ProxyFailureRetriever
	handler   ProxyFailureHandler

	batchSize    int
	batchTimeout time.Duration
}

func NewFailureHandler(
	retriever ProxyFailureRetriever,
	handler ProxyFailureHandler,
	batchSize int,
	batchTimeout time.Duration,
) *FailureHandler {
	return &FailureHandler{
		retriever:    retriever,
		handler:      handler,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
	}
}

// Run performs one full handling pass. The returned channel carries the pass
// result and is closed when the pass completes.
func (h *FailureHandler) Run(ctx context.Context) <-chan error {
	return passStream(ctx, h.runPass)
}

func (h *FailureHandler) runPass(ctx context.Context) error {
	var res error

	batches := batch.Window(ctx, h.retriever.RetrieveProxyFailures(ctx), h.batchSize, h.batchTimeout)
	for results := range batches {
		addrs, err := splitBatch(results)
		if err != nil && res == nil {
			res = err
		}
		forEachAddr(ctx, addrs, func(ctx context.Context, address string) error {
			if err := h.handler.HandleProxyFailure(ctx, address); err != nil {
				kvlog.Zero.Error().
					Err(err).
					Str("address", address).
					Msg("failed to handle proxy failure")
			}
			return nil
		})
	}
	return res
}
