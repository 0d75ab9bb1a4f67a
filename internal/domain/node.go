package domain

// ConnKind describes how much of a connection's neighborhood was resident
// when the edge was created, which drives how aggressively the graph
// loader re-fetches related records on traversal.
type ConnKind int16

const (
	// ConnInMemory links two fully loaded records.
	ConnInMemory ConnKind = iota
	// ConnLazyChild links an in-memory parent to a child whose subtree is
	// not loaded.
	ConnLazyChild
	// ConnLazyNodes links two records neither of which is loaded.
	ConnLazyNodes
)

func (k ConnKind) String() string {
	switch k {
	case ConnInMemory:
		return "IN_MEMORY"
	case ConnLazyChild:
		return "LAZY_CHILD"
	case ConnLazyNodes:
		return "LAZY_NODES"
	}
	return "UNKNOWN"
}

// NodeEdge is a persisted parent/child connection between two records,
// identified by their HistIDs. Self-loops, duplicate edges and cycles are
// rejected before persistence.
type NodeEdge struct {
	Meta

	ChildID  int64
	ParentID int64
	EdgeType uint32
	Kind     ConnKind
}

func (n *NodeEdge) RecordMeta() *Meta { return &n.Meta }
func (n *NodeEdge) TypeTag() uint32   { return TagNode }

func (n *NodeEdge) CloneRecord() Record {
	cp := *n
	cp.Meta = cloneMeta(n.Meta)
	return &cp
}
