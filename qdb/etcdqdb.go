package qdb

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"google.golang.org/grpc"

	retry "github.com/sethvargo/go-retry"

	"github.com/kv-sharding/kvcoord/pkg/kvlog"
	"github.com/kv-sharding/kvcoord/pkg/models/coorderror"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// EtcdQDB stores the cluster metadata in etcd. Topology rewrites go through
// transactions guarded by mod-revision compares so concurrent coordinators
// cannot clobber each other.
type EtcdQDB struct {
	cli        *clientv3.Client
	failureTTL time.Duration
}

var _ QDB = &EtcdQDB{}

const (
	proxiesNamespace  = "/proxies/"
	hostsNamespace    = "/hosts/"
	failuresNamespace = "/failures/"
)

func proxyNodePath(key string) string {
	return path.Join(proxiesNamespace, key)
}

func hostNodePath(key string) string {
	return path.Join(hostsNamespace, key)
}

func failureNodePath(address, reporterID string) string {
	return path.Join(failuresNamespace, address, reporterID)
}

func failuresPrefix(address string) string {
	return path.Join(failuresNamespace, address) + "/"
}

func NewEtcdQDB(addr string, failureTTL time.Duration) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr},
		DialOptions: []grpc.DialOption{ // TODO remove WithInsecure
			grpc.WithInsecure(), //nolint:all
		},
	})
	if err != nil {
		return nil, err
	}

	kvlog.Zero.Debug().
		Str("address", addr).
		Uint("client", kvlog.GetPointer(cli)).
		Msg("etcdqdb: NewEtcdQDB")

	return &EtcdQDB{
		cli:        cli,
		failureTTL: failureTTL,
	}, nil
}

func (q *EtcdQDB) Close() error {
	return q.cli.Close()
}

func (q *EtcdQDB) AddProxy(ctx context.Context, proxy *Proxy) error {
	data, err := json.Marshal(proxy)
	if err != nil {
		return err
	}
	_, err = q.cli.Put(ctx, proxyNodePath(proxy.Address), string(data))
	return err
}

func (q *EtcdQDB) ListProxies(ctx context.Context) ([]string, error) {
	resp, err := q.cli.Get(ctx, proxiesNamespace, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var proxy Proxy
		if err := json.Unmarshal(kv.Value, &proxy); err != nil {
			return nil, err
		}
		addrs = append(addrs, proxy.Address)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (q *EtcdQDB) GetHostMeta(ctx context.Context, address string) (*topology.Host, error) {
	resp, err := q.cli.Get(ctx, hostNodePath(address))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var host topology.Host
	if err := json.Unmarshal(resp.Kvs[0].Value, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (q *EtcdQDB) SetHostMeta(ctx context.Context, host *topology.Host) error {
	data, err := json.Marshal(host)
	if err != nil {
		return err
	}
	_, err = q.cli.Put(ctx, hostNodePath(host.Address), string(data))
	return err
}

func (q *EtcdQDB) ReportFailure(ctx context.Context, address string, reporterID string) error {
	record := FailureRecord{
		Address:    address,
		ReporterID: reporterID,
		ReportedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	_, err = q.cli.Put(ctx, failureNodePath(address, reporterID), string(data))
	return err
}

func (q *EtcdQDB) ListFailures(ctx context.Context) ([]string, error) {
	resp, err := q.cli.Get(ctx, failuresNamespace, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(-q.failureTTL).Unix()
	seen := map[string]bool{}
	var addrs []string
	for _, kv := range resp.Kvs {
		var record FailureRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, err
		}
		if record.ReportedAt < deadline || seen[record.Address] {
			continue
		}
		seen[record.Address] = true
		addrs = append(addrs, record.Address)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (q *EtcdQDB) ReplaceProxy(ctx context.Context, failedAddress string) (*topology.Host, error) {
	var replacement *topology.Host

	err := retry.Do(ctx, retry.WithMaxRetries(7, retry.NewFibonacci(500*time.Millisecond)), func(ctx context.Context) error {
		hostResp, err := q.cli.Get(ctx, hostNodePath(failedAddress))
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(hostResp.Kvs) == 0 {
			// not serving any cluster, just retire the proxy
			if _, err := q.cli.Delete(ctx, proxyNodePath(failedAddress)); err != nil {
				return retry.RetryableError(err)
			}
			if _, err := q.cli.Delete(ctx, failuresPrefix(failedAddress), clientv3.WithPrefix()); err != nil {
				return retry.RetryableError(err)
			}
			replacement = nil
			return nil
		}

		var host topology.Host
		if err := json.Unmarshal(hostResp.Kvs[0].Value, &host); err != nil {
			return err
		}
		hostRev := hostResp.Kvs[0].ModRevision

		chosen, proxyRev, err := q.pickFreeProxy(ctx)
		if err != nil {
			return err
		}

		rewritten := host.Clone()
		rewritten.Address = chosen
		rewritten.Epoch++
		for i := range rewritten.Nodes {
			rewritten.Nodes[i].ProxyAddress = chosen
		}

		hostData, err := json.Marshal(rewritten)
		if err != nil {
			return err
		}
		proxyData, err := json.Marshal(&Proxy{Address: chosen, Free: false})
		if err != nil {
			return err
		}

		resp, err := q.cli.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(hostNodePath(failedAddress)), "=", hostRev),
			clientv3.Compare(clientv3.ModRevision(proxyNodePath(chosen)), "=", proxyRev),
		).Then(
			clientv3.OpDelete(hostNodePath(failedAddress)),
			clientv3.OpPut(hostNodePath(chosen), string(hostData)),
			clientv3.OpPut(proxyNodePath(chosen), string(proxyData)),
			clientv3.OpDelete(proxyNodePath(failedAddress)),
			clientv3.OpDelete(failuresPrefix(failedAddress), clientv3.WithPrefix()),
		).Commit()
		if err != nil {
			return retry.RetryableError(err)
		}
		if !resp.Succeeded {
			return retry.RetryableError(coorderror.Newf(coorderror.KVCOORD_META_WRITE,
				"replace of proxy %s lost a metadata race", failedAddress))
		}

		replacement = rewritten
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}

func (q *EtcdQDB) pickFreeProxy(ctx context.Context) (string, int64, error) {
	resp, err := q.cli.Get(ctx, proxiesNamespace, clientv3.WithPrefix())
	if err != nil {
		return "", 0, retry.RetryableError(err)
	}

	chosen := ""
	var rev int64
	for _, kv := range resp.Kvs {
		var proxy Proxy
		if err := json.Unmarshal(kv.Value, &proxy); err != nil {
			return "", 0, err
		}
		if !proxy.Free {
			continue
		}
		if chosen == "" || proxy.Address < chosen {
			chosen = proxy.Address
			rev = kv.ModRevision
		}
	}
	if chosen == "" {
		return "", 0, ErrNoAvailableProxy
	}
	return chosen, rev, nil
}

func (q *EtcdQDB) CommitMigrationTask(ctx context.Context, meta *topology.MigrationTaskMeta) error {
	migration := meta.SlotRange.Tag.MigrationMeta()
	if migration == nil {
		return coorderror.Newf(coorderror.KVCOORD_META_WRITE,
			"migration task for range %s carries no migration info", meta.SlotRange.String())
	}

	return retry.Do(ctx, retry.WithMaxRetries(7, retry.NewFibonacci(500*time.Millisecond)), func(ctx context.Context) error {
		var compares []clientv3.Cmp
		var ops []clientv3.Op

		for _, address := range []string{migration.SrcProxyAddress, migration.DstProxyAddress} {
			resp, err := q.cli.Get(ctx, hostNodePath(address))
			if err != nil {
				return retry.RetryableError(err)
			}
			if len(resp.Kvs) == 0 {
				// hold the commit against the key staying absent
				compares = append(compares, clientv3util.KeyMissing(hostNodePath(address)))
				continue
			}

			var host topology.Host
			if err := json.Unmarshal(resp.Kvs[0].Value, &host); err != nil {
				return err
			}
			compares = append(compares,
				clientv3.Compare(clientv3.ModRevision(hostNodePath(address)), "=", resp.Kvs[0].ModRevision))

			changed := false
			if address == migration.SrcProxyAddress {
				changed = removeMigratingRange(&host, meta.SlotRange)
			} else {
				changed = promoteImportingRange(&host, meta.SlotRange)
			}
			if !changed {
				continue
			}
			host.Epoch++

			data, err := json.Marshal(&host)
			if err != nil {
				return err
			}
			ops = append(ops, clientv3.OpPut(hostNodePath(address), string(data)))
		}

		if len(ops) == 0 {
			// already committed
			return nil
		}

		resp, err := q.cli.Txn(ctx).If(compares...).Then(ops...).Commit()
		if err != nil {
			return retry.RetryableError(err)
		}
		if !resp.Succeeded {
			return retry.RetryableError(coorderror.Newf(coorderror.KVCOORD_META_WRITE,
				"commit of range %s lost a metadata race", meta.SlotRange.String()))
		}
		return nil
	})
}
