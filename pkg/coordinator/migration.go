package coordinator

import (
	"context"
	"time"

	"github.com/kv-sharding/kvcoord/pkg/batch"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// MigrationStateSynchronizer drives completed migration tasks to commit.
// For every known proxy it streams the committable tasks the proxy reports,
// commits each one against the metadata store and then re-synchronizes the
// topology of the destination proxy before the source proxy. The
// destination-first order guarantees the slot range has a reachable owner
// at every instant after commit: a request arriving between the two pushes
// still lands on the source, which has not yet been told to drop the range.
type MigrationStateSynchronizer struct {
	proxyRetriever ProxiesRetriever
	checker        MigrationStateChecker
	committer      MigrationCommitter
	metaRetriever  HostMetaRetriever
	sender         HostMetaSender

	batchSize    int
	batchTimeout time.Duration
}

func NewMigrationStateSynchronizer(
	proxyRetriever ProxiesRetriever,
	checker MigrationStateChecker,
	committer MigrationCommitter,
	metaRetriever HostMetaRetriever,
	sender HostMetaSender,
	batchSize int,
	batchTimeout time.Duration,
) *MigrationStateSynchronizer {
	return &MigrationStateSynchronizer{
		proxyRetriever: proxyRetriever,
		checker:        checker,
		committer:      committer,
		metaRetriever:  metaRetriever,
		sender:         sender,
		batchSize:      batchSize,
		batchTimeout:   batchTimeout,
	}
}

// Run performs one full sync pass. The returned channel carries the pass
// result and is closed when the pass completes.
func (s *MigrationStateSynchronizer) Run(ctx context.Context) <-chan error {
	return passStream(ctx, s.runPass)
}

func (s *MigrationStateSynchronizer) runPass(ctx context.Context) error {
	var res error

	batches := batch.Window(ctx, s.proxyRetriever.RetrieveProxies(ctx), s.batchSize, s.batchTimeout)
	for results := range batches {
		addrs, err := splitBatch(results)
		if err != nil && res == nil {
			res = err
		}
		for _, err := range forEachAddr(ctx, addrs, s.checkAndSync) {
			if err != nil {
				kvlog.Zero.Error().Err(err).Msg("failed to sync migration state")
				if res == nil {
					res = err
				}
			}
		}
	}
	return res
}

// checkAndSync drains the task stream of one proxy. A failed record aborts
// the remaining records of this proxy only; sibling proxies of the batch
// keep going.
func (s *MigrationStateSynchronizer) checkAndSync(ctx context.Context, address string) error {
	for res := range s.checker.Check(ctx, address) {
		if res.Err != nil {
			return res.Err
		}
		if err := s.syncMigrationState(ctx, res.Meta); err != nil {
			return err
		}
	}
	return nil
}

func (s *MigrationStateSynchronizer) syncMigrationState(ctx context.Context, meta *topology.MigrationTaskMeta) error {
	migration := meta.SlotRange.Tag.MigrationMeta()
	if migration == nil {
		kvlog.Zero.Error().
			Str("db", meta.DBName).
			Str("range", meta.SlotRange.String()).
			Msg("migration task meta carries no migration info, skip it")
		return nil
	}

	if err := s.committer.Commit(ctx, meta); err != nil {
		kvlog.Zero.Error().Err(err).Msg("failed to commit migration state")
		return err
	}

	// Send to dst first to make sure the slots will always have an owner.
	if err := s.setHostMeta(ctx, migration.DstProxyAddress); err != nil {
		return err
	}
	return s.setHostMeta(ctx, migration.SrcProxyAddress)
}

func (s *MigrationStateSynchronizer) setHostMeta(ctx context.Context, address string) error {
	host, err := s.metaRetriever.GetHostMeta(ctx, address)
	if err != nil {
		return err
	}
	if host == nil {
		// Possibly a consistency bug: the commit succeeded but no proxy
		// claims the range. Surfaced as a warning, not a pass failure,
		// since the host may have been decommissioned concurrently.
		kvlog.Zero.Warn().
			Str("address", address).
			Msg("host not found after committing migration")
		return nil
	}
	kvlog.Zero.Info().
		Str("address", address).
		Msg("sending meta after committing migration")
	return s.sender.SendMeta(ctx, host)
}
