package qdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kv-sharding/kvcoord/pkg/models/topology"
	"github.com/kv-sharding/kvcoord/qdb"
)

func migratingHosts() (*topology.Host, *topology.Host, *topology.MigrationTaskMeta) {
	migration := &topology.MigrationMeta{
		Epoch:           7,
		SrcProxyAddress: "src:6001",
		DstProxyAddress: "dst:6001",
	}
	rng := topology.SlotRange{Start: 0, End: 8191}

	src := &topology.Host{
		Address: "src:6001",
		Epoch:   7,
		Nodes: []topology.Node{{
			Address:      "redis-src:7001",
			ProxyAddress: "src:6001",
			SlotRanges: []topology.SlotRange{
				{Start: 0, End: 8191, Tag: topology.SlotRangeTag{Kind: topology.RangeMigrating, Migration: migration}},
				{Start: 8192, End: 16383, Tag: topology.SlotRangeTag{Kind: topology.RangeStable}},
			},
		}},
	}
	dst := &topology.Host{
		Address: "dst:6001",
		Epoch:   7,
		Nodes: []topology.Node{{
			Address:      "redis-dst:7001",
			ProxyAddress: "dst:6001",
			SlotRanges: []topology.SlotRange{
				{Start: 0, End: 8191, Tag: topology.SlotRangeTag{Kind: topology.RangeImporting, Migration: migration}},
			},
		}},
	}
	task := &topology.MigrationTaskMeta{
		DBName: "db0",
		SlotRange: topology.SlotRange{
			Start: rng.Start,
			End:   rng.End,
			Tag:   topology.SlotRangeTag{Kind: topology.RangeMigrating, Migration: migration},
		},
	}
	return src, dst, task
}

func TestMemQDBCommitMovesRangeOwnership(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	src, dst, task := migratingHosts()
	require.NoError(t, db.SetHostMeta(ctx, src))
	require.NoError(t, db.SetHostMeta(ctx, dst))

	require.NoError(t, db.CommitMigrationTask(ctx, task))

	committedSrc, err := db.GetHostMeta(ctx, "src:6001")
	require.NoError(t, err)
	require.Len(t, committedSrc.Nodes[0].SlotRanges, 1, "migrating range is gone from the source")
	assert.Equal(t, uint(8192), committedSrc.Nodes[0].SlotRanges[0].Start)
	assert.Equal(t, uint64(8), committedSrc.Epoch)

	committedDst, err := db.GetHostMeta(ctx, "dst:6001")
	require.NoError(t, err)
	require.Len(t, committedDst.Nodes[0].SlotRanges, 1)
	assert.Equal(t, topology.RangeStable, committedDst.Nodes[0].SlotRanges[0].Tag.Kind,
		"imported range becomes stable on the destination")
	assert.Equal(t, uint64(8), committedDst.Epoch)
}

func TestMemQDBCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	src, dst, task := migratingHosts()
	require.NoError(t, db.SetHostMeta(ctx, src))
	require.NoError(t, db.SetHostMeta(ctx, dst))

	require.NoError(t, db.CommitMigrationTask(ctx, task))
	require.NoError(t, db.CommitMigrationTask(ctx, task))

	committedSrc, err := db.GetHostMeta(ctx, "src:6001")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), committedSrc.Epoch, "a re-commit does not bump the epoch again")

	committedDst, err := db.GetHostMeta(ctx, "dst:6001")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), committedDst.Epoch)
}

func TestMemQDBCommitRejectsTaskWithoutMigrationInfo(t *testing.T) {
	db := qdb.NewMemQDB(time.Minute)
	task := &topology.MigrationTaskMeta{
		DBName:    "db0",
		SlotRange: topology.SlotRange{Start: 0, End: 10, Tag: topology.SlotRangeTag{Kind: topology.RangeStable}},
	}
	assert.Error(t, db.CommitMigrationTask(context.Background(), task))
}

func TestMemQDBFailureReportsDeduplicate(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	require.NoError(t, db.ReportFailure(ctx, "p1:6001", "coordinator-a"))
	require.NoError(t, db.ReportFailure(ctx, "p1:6001", "coordinator-b"))
	require.NoError(t, db.ReportFailure(ctx, "p2:6001", "coordinator-a"))

	failures, err := db.ListFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1:6001", "p2:6001"}, failures)
}

func TestMemQDBFailureReportsExpire(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	require.NoError(t, db.ReportFailure(ctx, "p1:6001", "coordinator-a"))
	db.Failures["p2:6001/coordinator-a"] = &qdb.FailureRecord{
		Address:    "p2:6001",
		ReporterID: "coordinator-a",
		ReportedAt: time.Now().Add(-time.Hour).Unix(),
	}

	failures, err := db.ListFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1:6001"}, failures, "stale reports are ignored")
}

func TestMemQDBReplaceProxy(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	require.NoError(t, db.AddProxy(ctx, &qdb.Proxy{Address: "failed:6001"}))
	require.NoError(t, db.AddProxy(ctx, &qdb.Proxy{Address: "spare:6001", Free: true}))
	require.NoError(t, db.SetHostMeta(ctx, &topology.Host{
		Address: "failed:6001",
		Epoch:   3,
		Nodes: []topology.Node{{
			Address:      "redis:7001",
			ProxyAddress: "failed:6001",
			SlotRanges:   []topology.SlotRange{{Start: 0, End: 100, Tag: topology.SlotRangeTag{Kind: topology.RangeStable}}},
		}},
	}))
	require.NoError(t, db.ReportFailure(ctx, "failed:6001", "coordinator-a"))

	host, err := db.ReplaceProxy(ctx, "failed:6001")
	require.NoError(t, err)
	require.NotNil(t, host)
	assert.Equal(t, "spare:6001", host.Address)
	assert.Equal(t, uint64(4), host.Epoch)
	assert.Equal(t, "spare:6001", host.Nodes[0].ProxyAddress)

	proxies, err := db.ListProxies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"spare:6001"}, proxies)

	failures, err := db.ListFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures, "reports of the retired proxy are cleared")

	orphan, err := db.GetHostMeta(ctx, "failed:6001")
	require.NoError(t, err)
	assert.Nil(t, orphan)
}

func TestMemQDBReplaceProxyNoSpare(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	require.NoError(t, db.AddProxy(ctx, &qdb.Proxy{Address: "failed:6001"}))
	require.NoError(t, db.SetHostMeta(ctx, &topology.Host{Address: "failed:6001"}))

	_, err := db.ReplaceProxy(ctx, "failed:6001")
	assert.ErrorIs(t, err, qdb.ErrNoAvailableProxy)
}

func TestMemQDBReplaceProxyOutsideCluster(t *testing.T) {
	ctx := context.Background()
	db := qdb.NewMemQDB(time.Minute)

	require.NoError(t, db.AddProxy(ctx, &qdb.Proxy{Address: "idle:6001"}))
	require.NoError(t, db.ReportFailure(ctx, "idle:6001", "coordinator-a"))

	host, err := db.ReplaceProxy(ctx, "idle:6001")
	require.NoError(t, err)
	assert.Nil(t, host, "a proxy outside any cluster is retired without replacement")

	proxies, err := db.ListProxies(ctx)
	require.NoError(t, err)
	assert.Empty(t, proxies)
}

// must run with -race
func TestMemQDBRacing(t *testing.T) {
	ctx := context.TODO()
	db := qdb.NewMemQDB(time.Minute)

	src, dst, task := migratingHosts()

	methods := []func(){
		func() { _ = db.AddProxy(ctx, &qdb.Proxy{Address: "p1:6001", Free: true}) },
		func() { _ = db.SetHostMeta(ctx, src) },
		func() { _ = db.SetHostMeta(ctx, dst) },
		func() { _ = db.ReportFailure(ctx, "p1:6001", "coordinator-a") },
		func() { _, _ = db.ListProxies(ctx) },
		func() { _, _ = db.ListFailures(ctx) },
		func() { _, _ = db.GetHostMeta(ctx, "src:6001") },
		func() { _ = db.CommitMigrationTask(ctx, task) },
		func() { _, _ = db.ReplaceProxy(ctx, "p1:6001") },
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, method := range methods {
			wg.Add(1)
			go func(m func()) {
				defer wg.Done()
				m()
			}(method)
		}
	}
	wg.Wait()
}
