package store

import "github.com/merkledl/datalayer/treehash"

// NodeType tags a Node as Internal or Terminal.
type NodeType int

const (
	NodeTypeInternal NodeType = 1
	NodeTypeTerminal NodeType = 2
)

// Side indicates which child slot a node occupies relative to its parent.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) Other() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// Status is a root's commit state.
type Status int

const (
	StatusPending Status = iota
	StatusPendingBatch
	StatusCommitted
)

// Node is the tagged union of Internal and Terminal nodes. Exactly one of
// Internal/Terminal is non-nil.
type Node struct {
	Hash     treehash.Hash
	Type     NodeType
	Internal *InternalNode
	Terminal *TerminalNode
}

// InternalNode holds references to its two children.
type InternalNode struct {
	LeftHash  treehash.Hash
	RightHash treehash.Hash
}

// TerminalNode holds a leaf's key and value.
type TerminalNode struct {
	Key   []byte
	Value []byte
}

// Root is one generation's committed or pending state for a store.
// NodeHash is the zero hash for generation 0 (the empty tree).
type Root struct {
	StoreID    treehash.Hash
	Generation uint32
	NodeHash   treehash.Hash
	Status     Status
}

// OperationType distinguishes insertions from deletions in a diff or
// changelist.
type OperationType int

const (
	OperationInsert OperationType = iota
	OperationDelete
)

// DiffData is one entry in the result of GetKVDiff.
type DiffData struct {
	Type  OperationType
	Key   []byte
	Value []byte
}

// Change is one step of a batch changelist passed to InsertBatch.
type Change struct {
	Action   string // "insert", "delete", "upsert"
	Key      []byte
	Value    []byte
	RefHash  *treehash.Hash
	Side     *Side
}
