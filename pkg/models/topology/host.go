package topology

// Node is one backend store served by a proxy.
type Node struct {
	Address      string      `json:"address"`
	ProxyAddress string      `json:"proxy_address"`
	SlotRanges   []SlotRange `json:"slot_ranges"`
}

// Host is the topology record of one proxy: which backend nodes it fronts
// and which slot ranges each of them owns. The coordinator treats it as an
// opaque value object, it only decides when to fetch and push it.
type Host struct {
	Address string `json:"address"`
	Epoch   uint64 `json:"epoch"`
	Nodes   []Node `json:"nodes"`
}

func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	clone := &Host{
		Address: h.Address,
		Epoch:   h.Epoch,
		Nodes:   make([]Node, len(h.Nodes)),
	}
	for i, node := range h.Nodes {
		ranges := make([]SlotRange, len(node.SlotRanges))
		copy(ranges, node.SlotRanges)
		clone.Nodes[i] = Node{
			Address:      node.Address,
			ProxyAddress: node.ProxyAddress,
			SlotRanges:   ranges,
		}
	}
	return clone
}

// MigrationTaskMeta describes one committable slot range migration as
// reported by a proxy. The slot range tag carries the migration record with
// both proxy addresses.
type MigrationTaskMeta struct {
	DBName    string    `json:"db_name"`
	SlotRange SlotRange `json:"slot_range"`
}
