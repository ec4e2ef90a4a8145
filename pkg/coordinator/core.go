// Package coordinator implements the coordination loops of the proxy
// cluster: failure detection and handling, host metadata propagation and
// migration state commit. Each loop performs one bounded pass per Run call,
// pulling the proxy set from its retriever, windowing it into batches and
// fanning out per-address work inside every batch. The concrete collaborator
// backends live in pkg/coord.
package coordinator

import (
	"context"
	"sync"

	"github.com/kv-sharding/kvcoord/pkg/kvlog"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// AddrResult is one item of a lazy proxy address stream: an address, or an
// upstream retrieval error passed through in stream order.
type AddrResult struct {
	Addr string
	Err  error
}

// TaskResult is one item of a migration task stream.
type TaskResult struct {
	Meta *topology.MigrationTaskMeta
	Err  error
}

// ProxiesRetriever streams the proxy addresses known at the moment of the
// call. The returned channel is closed once the snapshot is exhausted.
// Deduplication is owned by the retriever, not by this layer.
type ProxiesRetriever interface {
	RetrieveProxies(ctx context.Context) <-chan AddrResult
}

// FailureChecker probes one proxy for liveness. It returns the address to
// report, or an empty string when the proxy is healthy. A checker may
// translate the probed address into a different reportable one.
type FailureChecker interface {
	Check(ctx context.Context, address string) (string, error)
}

// FailureReporter records a detected proxy failure.
type FailureReporter interface {
	Report(ctx context.Context, address string) error
}

// ProxyFailureRetriever streams the addresses of already-reported failures.
type ProxyFailureRetriever interface {
	RetrieveProxyFailures(ctx context.Context) <-chan AddrResult
}

// ProxyFailureHandler runs the recovery action for one failed proxy.
type ProxyFailureHandler interface {
	HandleProxyFailure(ctx context.Context, address string) error
}

// HostMetaRetriever fetches the topology record of the proxy at address.
// A nil host with a nil error means the record does not exist.
type HostMetaRetriever interface {
	GetHostMeta(ctx context.Context, address string) (*topology.Host, error)
}

// HostMetaSender pushes a topology record down to its proxy.
type HostMetaSender interface {
	SendMeta(ctx context.Context, host *topology.Host) error
}

// MigrationStateChecker streams the committable migration tasks currently
// reported by the proxy at address.
type MigrationStateChecker interface {
	Check(ctx context.Context, address string) <-chan TaskResult
}

// MigrationCommitter commits one completed migration task against the
// metadata store.
type MigrationCommitter interface {
	Commit(ctx context.Context, meta *topology.MigrationTaskMeta) error
}

// splitBatch separates one windowed batch into usable addresses and the
// first upstream error it carried. Upstream errors are logged here so every
// loop reports them the same way.
func splitBatch(results []AddrResult) ([]string, error) {
	var addrs []string
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			kvlog.Zero.Error().Err(r.Err).Msg("failed to get proxy")
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		addrs = append(addrs, r.Addr)
	}
	return addrs, firstErr
}

// forEachAddr runs fn concurrently for every address of a batch and returns
// the per-address results in batch order. No ordering is guaranteed between
// the invocations themselves.
func forEachAddr(ctx context.Context, addrs []string, fn func(context.Context, string) error) []error {
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			errs[i] = fn(ctx, addr)
		}(i, addr)
	}
	wg.Wait()
	return errs
}

// passStream wraps a single pass into the one-element result stream shape
// the scheduler consumes.
func passStream(ctx context.Context, pass func(context.Context) error) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- pass(ctx)
	}()
	return out
}
