// Package coord wires the abstract coordination collaborators to their
// concrete backends: the qdb metadata store and the proxy wire client.
package coord

import (
	"context"
	"errors"

	"github.com/kv-sharding/kvcoord/pkg/coordinator"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
	"github.com/kv-sharding/kvcoord/pkg/models/coorderror"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
	"github.com/kv-sharding/kvcoord/pkg/proxyclient"
	"github.com/kv-sharding/kvcoord/qdb"
)

// Adapter implements the store-facing collaborator capabilities on top of
// qdb, plus metadata push through the proxy wire client. The wire-probing
// capabilities live on PingChecker and MigrationChecker.
type Adapter struct {
	db         qdb.QDB
	proxies    proxyclient.Client
	reporterID string
}

var (
	_ coordinator.ProxiesRetriever      = &Adapter{}
	_ coordinator.FailureReporter       = &Adapter{}
	_ coordinator.ProxyFailureRetriever = &Adapter{}
	_ coordinator.ProxyFailureHandler   = &Adapter{}
	_ coordinator.HostMetaRetriever     = &Adapter{}
	_ coordinator.HostMetaSender        = &Adapter{}
	_ coordinator.MigrationCommitter    = &Adapter{}
)

func NewAdapter(db qdb.QDB, proxies proxyclient.Client, reporterID string) *Adapter {
	return &Adapter{
		db:         db,
		proxies:    proxies,
		reporterID: reporterID,
	}
}

func (a *Adapter) RetrieveProxies(ctx context.Context) <-chan coordinator.AddrResult {
	return streamAddrs(ctx, func(ctx context.Context) ([]string, error) {
		addrs, err := a.db.ListProxies(ctx)
		if err != nil {
			return nil, wrapMeta(coorderror.KVCOORD_META_READ, err)
		}
		return addrs, nil
	})
}

func (a *Adapter) Report(ctx context.Context, address string) error {
	if err := a.db.ReportFailure(ctx, address, a.reporterID); err != nil {
		return wrapMeta(coorderror.KVCOORD_META_WRITE, err)
	}
	return nil
}

func (a *Adapter) RetrieveProxyFailures(ctx context.Context) <-chan coordinator.AddrResult {
	return streamAddrs(ctx, func(ctx context.Context) ([]string, error) {
		addrs, err := a.db.ListFailures(ctx)
		if err != nil {
			return nil, wrapMeta(coorderror.KVCOORD_META_READ, err)
		}
		return addrs, nil
	})
}

// HandleProxyFailure retires the failed proxy by handing its topology
// record to a free proxy, then pushes the rewritten record down to the
// replacement.
func (a *Adapter) HandleProxyFailure(ctx context.Context, address string) error {
	host, err := a.db.ReplaceProxy(ctx, address)
	if err != nil {
		return wrapMeta(coorderror.KVCOORD_META_WRITE, err)
	}
	if host == nil {
		kvlog.Zero.Info().
			Str("address", address).
			Msg("failed proxy served no cluster, retired without replacement")
		return nil
	}
	kvlog.Zero.Info().
		Str("failed", address).
		Str("replacement", host.Address).
		Msg("replaced failed proxy")
	return a.proxies.SetHostMeta(ctx, host)
}

func (a *Adapter) GetHostMeta(ctx context.Context, address string) (*topology.Host, error) {
	host, err := a.db.GetHostMeta(ctx, address)
	if err != nil {
		return nil, wrapMeta(coorderror.KVCOORD_META_READ, err)
	}
	return host, nil
}

func (a *Adapter) SendMeta(ctx context.Context, host *topology.Host) error {
	return a.proxies.SetHostMeta(ctx, host)
}

func (a *Adapter) Commit(ctx context.Context, meta *topology.MigrationTaskMeta) error {
	if err := a.db.CommitMigrationTask(ctx, meta); err != nil {
		return wrapMeta(coorderror.KVCOORD_META_WRITE, err)
	}
	return nil
}

// PingChecker probes proxies through the wire client. An unanswered probe
// makes the probed address reportable; it is not an error of the pass.
type PingChecker struct {
	proxies proxyclient.Client
}

var _ coordinator.FailureChecker = &PingChecker{}

func NewPingChecker(proxies proxyclient.Client) *PingChecker {
	return &PingChecker{proxies: proxies}
}

func (c *PingChecker) Check(ctx context.Context, address string) (string, error) {
	if err := c.proxies.Ping(ctx, address); err != nil {
		if ctx.Err() != nil {
			// shutdown, not a liveness verdict
			return "", err
		}
		kvlog.Zero.Info().
			Err(err).
			Str("address", address).
			Msg("proxy failed liveness probe")
		return address, nil
	}
	return "", nil
}

// MigrationChecker streams the committable migration tasks a proxy reports.
type MigrationChecker struct {
	proxies proxyclient.Client
}

var _ coordinator.MigrationStateChecker = &MigrationChecker{}

func NewMigrationChecker(proxies proxyclient.Client) *MigrationChecker {
	return &MigrationChecker{proxies: proxies}
}

func (c *MigrationChecker) Check(ctx context.Context, address string) <-chan coordinator.TaskResult {
	out := make(chan coordinator.TaskResult)
	go func() {
		defer close(out)
		tasks, err := c.proxies.ListMigrations(ctx, address)
		if err != nil {
			select {
			case out <- coordinator.TaskResult{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, task := range tasks {
			select {
			case out <- coordinator.TaskResult{Meta: task}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func streamAddrs(ctx context.Context, list func(context.Context) ([]string, error)) <-chan coordinator.AddrResult {
	out := make(chan coordinator.AddrResult)
	go func() {
		defer close(out)
		addrs, err := list(ctx)
		if err != nil {
			select {
			case out <- coordinator.AddrResult{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, addr := range addrs {
			select {
			case out <- coordinator.AddrResult{Addr: addr}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// wrapMeta attaches a metadata-store error code unless the cause already
// carries a coordinate code.
func wrapMeta(code string, err error) error {
	var ce *coorderror.CoordinateError
	if errors.As(err, &ce) {
		return err
	}
	return coorderror.Wrap(code, err)
}
