package qdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kv-sharding/kvcoord/pkg/models/coorderror"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// MemQDB keeps the whole metadata store in process memory behind one
// RWMutex. Used by tests and single-node deployments.
type MemQDB struct {
	mu sync.RWMutex

	Proxies  map[string]*Proxy         `json:"proxies"`
	Hosts    map[string]*topology.Host `json:"hosts"`
	Failures map[string]*FailureRecord `json:"failures"`

	failureTTL time.Duration
}

var _ QDB = &MemQDB{}

func NewMemQDB(failureTTL time.Duration) *MemQDB {
	return &MemQDB{
		Proxies:  map[string]*Proxy{},
		Hosts:    map[string]*topology.Host{},
		Failures: map[string]*FailureRecord{},

		failureTTL: failureTTL,
	}
}

func failureKey(address, reporterID string) string {
	return address + "/" + reporterID
}

func (q *MemQDB) AddProxy(_ context.Context, proxy *Proxy) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Proxies[proxy.Address] = &Proxy{Address: proxy.Address, Free: proxy.Free}
	return nil
}

func (q *MemQDB) ListProxies(_ context.Context) ([]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	addrs := make([]string, 0, len(q.Proxies))
	for addr := range q.Proxies {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (q *MemQDB) GetHostMeta(_ context.Context, address string) (*topology.Host, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.Hosts[address].Clone(), nil
}

func (q *MemQDB) SetHostMeta(_ context.Context, host *topology.Host) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Hosts[host.Address] = host.Clone()
	return nil
}

func (q *MemQDB) ReportFailure(_ context.Context, address string, reporterID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Failures[failureKey(address, reporterID)] = &FailureRecord{
		Address:    address,
		ReporterID: reporterID,
		ReportedAt: time.Now().Unix(),
	}
	return nil
}

func (q *MemQDB) ListFailures(_ context.Context) ([]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	deadline := time.Now().Add(-q.failureTTL).Unix()
	seen := map[string]bool{}
	var addrs []string
	for _, record := range q.Failures {
		if record.ReportedAt < deadline {
			continue
		}
		if seen[record.Address] {
			continue
		}
		seen[record.Address] = true
		addrs = append(addrs, record.Address)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (q *MemQDB) ReplaceProxy(_ context.Context, failedAddress string) (*topology.Host, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	host, ok := q.Hosts[failedAddress]
	if !ok {
		// not serving any cluster, nothing to take over
		q.dropProxyLocked(failedAddress)
		return nil, nil
	}

	var free []string
	for addr, proxy := range q.Proxies {
		if proxy.Free {
			free = append(free, addr)
		}
	}
	if len(free) == 0 {
		return nil, ErrNoAvailableProxy
	}
	sort.Strings(free)
	replacement := free[0]

	rewritten := host.Clone()
	rewritten.Address = replacement
	rewritten.Epoch++
	for i := range rewritten.Nodes {
		rewritten.Nodes[i].ProxyAddress = replacement
	}

	delete(q.Hosts, failedAddress)
	q.Hosts[replacement] = rewritten
	q.Proxies[replacement].Free = false
	q.dropProxyLocked(failedAddress)

	return rewritten.Clone(), nil
}

func (q *MemQDB) dropProxyLocked(address string) {
	delete(q.Proxies, address)
	for key, record := range q.Failures {
		if record.Address == address {
			delete(q.Failures, key)
		}
	}
}

func (q *MemQDB) CommitMigrationTask(_ context.Context, meta *topology.MigrationTaskMeta) error {
	migration := meta.SlotRange.Tag.MigrationMeta()
	if migration == nil {
		return coorderror.Newf(coorderror.KVCOORD_META_WRITE,
			"migration task for range %s carries no migration info", meta.SlotRange.String())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if src, ok := q.Hosts[migration.SrcProxyAddress]; ok {
		if removeMigratingRange(src, meta.SlotRange) {
			src.Epoch++
		}
	}
	if dst, ok := q.Hosts[migration.DstProxyAddress]; ok {
		if promoteImportingRange(dst, meta.SlotRange) {
			dst.Epoch++
		}
	}
	return nil
}
