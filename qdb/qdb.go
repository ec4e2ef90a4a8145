package qdb

import (
	"context"
	"fmt"

	"github.com/kv-sharding/kvcoord/pkg/config"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// QDB is the cluster metadata store. It owns the proxy registry, the
// per-proxy topology records, the reported-failure log and the migration
// commit protocol.
type QDB interface {
	AddProxy(ctx context.Context, proxy *Proxy) error
	ListProxies(ctx context.Context) ([]string, error)

	GetHostMeta(ctx context.Context, address string) (*topology.Host, error)
	SetHostMeta(ctx context.Context, host *topology.Host) error

	ReportFailure(ctx context.Context, address string, reporterID string) error
	ListFailures(ctx context.Context) ([]string, error)

	// ReplaceProxy reassigns the failed proxy's topology record to a free
	// proxy and returns the rewritten record. A nil host with a nil error
	// means the failed address was not part of any cluster.
	ReplaceProxy(ctx context.Context, failedAddress string) (*topology.Host, error)

	// CommitMigrationTask finishes one slot range migration: the range
	// disappears from the source host, becomes stable on the destination
	// host and both epochs are bumped. Committing an already-committed
	// task is a no-op.
	CommitMigrationTask(ctx context.Context, meta *topology.MigrationTaskMeta) error
}

func NewQDB(qdbKind string) (QDB, error) {
	switch qdbKind {
	case "etcd":
		return NewEtcdQDB(config.CoordinatorConfig().QdbAddr, config.CoordinatorConfig().FailureTTL)
	case "mem":
		return NewMemQDB(config.CoordinatorConfig().FailureTTL), nil
	default:
		return nil, fmt.Errorf("qdb implementation %s is invalid", qdbKind)
	}
}
