package coordinator

import (
	"context"
	"time"

	"github.com/kv-sharding/kvcoord/pkg/batch"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
)

// HostMetaSynchronizer pushes the authoritative topology record down to
// every known proxy once per Run call. A proxy whose record does not exist
// is skipped; any retrieval or send error fails the pass but does not stop
// the remaining addresses.
type HostMetaSynchronizer struct {
	proxyRetriever ProxiesRetriever
	metaRetriever  HostMetaRetriever
	sender         HostMetaSender

	batchSize    int
	batchTimeout time.Duration
}

func NewHostMetaSynchronizer(
	proxyRetriever ProxiesRetriever,
	metaRetriever HostMetaRetriever,
	sender HostMetaSender,
	batchSize int,
	batchTimeout time.Duration,
) *HostMetaSynchronizer {
	return &HostMetaSynchronizer{
		proxyRetriever: proxyRetriever,
		metaRetriever:  metaRetriever,
		sender:         sender,
		batchSize:      batchSize,
		batchTimeout:   batchTimeout,
	}
}

// Run performs one full sync pass. The returned channel carries the pass
// result and is closed when the pass completes.
func (s *HostMetaSynchronizer) Run(ctx context.Context) <-chan error {
	return passStream(ctx, s.runPass)
}

func (s *HostMetaSynchronizer) runPass(ctx context.Context) error {
	var res error

	batches := batch.Window(ctx, s.proxyRetriever.RetrieveProxies(ctx), s.batchSize, s.batchTimeout)
	for results := range batches {
		addrs, err := splitBatch(results)
		if err != nil && res == nil {
			res = err
		}
		for _, err := range forEachAddr(ctx, addrs, s.retrieveAndSendMeta) {
			if err != nil {
				kvlog.Zero.Error().Err(err).Msg("failed to retrieve and send host meta")
				if res == nil {
					res = err
				}
			}
		}
	}
	return res
}

func (s *HostMetaSynchronizer) retrieveAndSendMeta(ctx context.Context, address string) error {
	host, err := s.metaRetriever.GetHostMeta(ctx, address)
	if err != nil {
		return err
	}
	if host == nil {
		return nil
	}
	if err := s.sender.SendMeta(ctx, host); err != nil {
		kvlog.Zero.Error().
			Err(err).
			Str("address", address).
			Msg("failed to send host meta")
		return err
	}
	return nil
}
