package qdb

import (
	"github.com/kv-sharding/kvcoord/pkg/models/coorderror"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// ErrNoAvailableProxy is returned by ReplaceProxy when the failed proxy
// served a cluster but no free proxy is left to take it over.
var ErrNoAvailableProxy = coorderror.New(coorderror.KVCOORD_NO_PROXY, "no free proxy to replace the failed one")

// Proxy is one registered data-plane instance. A free proxy is registered
// but not yet serving any cluster; failover picks replacements from the
// free set.
type Proxy struct {
	Address string `json:"address"`
	Free    bool   `json:"free"`
}

// FailureRecord is one failure report, keyed by (address, reporter).
// Reports from distinct coordinators count as one failure per address, and
// reports older than the failure TTL are ignored by ListFailures.
type FailureRecord struct {
	Address    string `json:"address"`
	ReporterID string `json:"reporter_id"`
	ReportedAt int64  `json:"reported_at"`
}

// removeMigratingRange drops the migrating copy of the committed range from
// the source host. Reports whether anything changed so commits stay
// idempotent.
func removeMigratingRange(host *topology.Host, r topology.SlotRange) bool {
	changed := false
	for i := range host.Nodes {
		node := &host.Nodes[i]
		kept := node.SlotRanges[:0]
		for _, sr := range node.SlotRanges {
			if sr.Tag.Kind == topology.RangeMigrating && sr.Same(r) {
				changed = true
				continue
			}
			kept = append(kept, sr)
		}
		node.SlotRanges = kept
	}
	return changed
}

// promoteImportingRange retags the importing copy of the committed range on
// the destination host as stable.
func promoteImportingRange(host *topology.Host, r topology.SlotRange) bool {
	for i := range host.Nodes {
		for j := range host.Nodes[i].SlotRanges {
			sr := &host.Nodes[i].SlotRanges[j]
			if sr.Tag.Kind == topology.RangeImporting && sr.Same(r) {
				sr.Tag = topology.SlotRangeTag{Kind: topology.RangeStable}
				return true
			}
		}
	}
	return false
}
