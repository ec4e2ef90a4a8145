package topology

import "fmt"

type RangeKind string

const (
	RangeStable    = RangeKind("stable")
	RangeMigrating = RangeKind("migrating")
	RangeImporting = RangeKind("importing")
)

// MigrationMeta identifies the two ends of an in-progress slot range
// migration. Node addresses are the backend stores, proxy addresses are the
// data-plane endpoints the coordinator talks to.
type MigrationMeta struct {
	Epoch           uint64 `json:"epoch"`
	SrcProxyAddress string `json:"src_proxy_address"`
	SrcNodeAddress  string `json:"src_node_address"`
	DstProxyAddress string `json:"dst_proxy_address"`
	DstNodeAddress  string `json:"dst_node_address"`
}

// SlotRangeTag marks a slot range as stable, or as one end of a migration.
// Migration is nil for stable ranges.
type SlotRangeTag struct {
	Kind      RangeKind      `json:"kind"`
	Migration *MigrationMeta `json:"migration,omitempty"`
}

// MigrationMeta returns the migration record carried by the tag, or nil if
// the range is not part of a cross-proxy migration.
func (t SlotRangeTag) MigrationMeta() *MigrationMeta {
	if t.Kind == RangeStable {
		return nil
	}
	return t.Migration
}

// SlotRange is a contiguous partition of the keyspace, inclusive on both ends.
type SlotRange struct {
	Start uint         `json:"start"`
	End   uint         `json:"end"`
	Tag   SlotRangeTag `json:"tag"`
}

func (r SlotRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Same reports whether two ranges cover the same slots, ignoring tags.
func (r SlotRange) Same(other SlotRange) bool {
	return r.Start == other.Start && r.End == other.End
}
