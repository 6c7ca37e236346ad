// Package vdev implements the vdev I/O layer of spec §4.B: a tree of
// leaf and parent devices dispatched through a small zio request/response
// contract, plus the leaf state machine and failure-classification policy
// that sits above the raw transport.
package vdev

import (
	"sync"

	"github.com/teris-io/shortid"

	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/draid"
)

// Id is a stable arena index, never reused for the lifetime of a Tree
// (spec §9 "express as an arena of nodes with stable indices").
type Id uint32

// Kind distinguishes the vdev ops capability set a Node carries. Dispatch
// is a single match at the pipeline entry (spec §9), never per-call
// virtual dispatch.
type Kind uint8

const (
	KindRoot Kind = iota
	KindMirror
	KindRaidZ
	KindDRaid
	KindSpare
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindMirror:
		return "mirror"
	case KindRaidZ:
		return "raidz"
	case KindDRaid:
		return "draid"
	case KindSpare:
		return "spare"
	case KindLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// Node is one vdev in the tree: children are a contiguous slice of Ids,
// the parent back-reference is non-owning and used only for lookup (spec
// §9). Exactly one of the Kind-specific fields below is meaningful.
type Node struct {
	ID     Id
	GUID   string
	Kind   Kind
	Parent Id
	HasParent bool
	Children  []Id

	Parity  int // raidz: 1..3; also the per-group parity width for draid
	NGroups int // draid: group count

	// DraidMap and StripeUnit are set only on KindDRaid nodes: DraidMap
	// is the static permutation table C built (row 0 identity, rows[r]
	// a permutation of 0..ndevs-1), StripeUnit is the byte span one row
	// covers before the next row is selected. Children must be ordered
	// by physical device index (Children[i] is device i) so a column
	// value out of DraidMap.Rows indexes directly into Children.
	DraidMap   *draid.Map
	StripeUnit uint64

	Leaf *Leaf

	mu sync.RWMutex
}

// Tree is an arena owning every Node reachable from Root, plus a separate
// auxiliary arena for spare/cache devices that are not part of the
// redundancy graph (spec §9 "root vdev and spare/cache auxiliary lists
// live in a separate arena").
type Tree struct {
	mu       sync.RWMutex
	nodes    map[Id]*Node
	aux      map[Id]*Node
	nextID   Id
	Root     Id
}

func NewTree() *Tree {
	return &Tree{nodes: make(map[Id]*Node), aux: make(map[Id]*Node)}
}

func (t *Tree) allocID() Id {
	t.nextID++
	return t.nextID
}

func newGUID() string {
	id, err := shortid.Generate()
	debug.AssertNoErr(err)
	return id
}

// AddNode inserts a node under parent; with hasParent false, parent is
// ignored and the node becomes t.Root. Returns the new node's Id.
func (t *Tree) AddNode(parent Id, hasParent bool, kind Kind) Id {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.allocID()
	n := &Node{ID: id, GUID: newGUID(), Kind: kind, Parent: parent, HasParent: hasParent}
	t.nodes[id] = n
	if !hasParent {
		t.Root = id
		return id
	}
	p := t.nodes[parent]
	debug.Assert(p != nil, "vdev: parent not found")
	p.Children = append(p.Children, id)
	return id
}

// AddAux registers a spare or cache device outside the redundancy graph.
func (t *Tree) AddAux(kind Kind) Id {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.allocID()
	t.aux[id] = &Node{ID: id, GUID: newGUID(), Kind: kind}
	return id
}

func (t *Tree) Node(id Id) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.nodes[id]; ok {
		return n
	}
	return t.aux[id]
}

// Walk visits every node reachable from root in pre-order.
func (t *Tree) Walk(fn func(*Node) bool) {
	t.mu.RLock()
	root := t.Root
	t.mu.RUnlock()
	if root == 0 {
		return
	}
	var visit func(Id) bool
	visit = func(id Id) bool {
		n := t.Node(id)
		if n == nil {
			return true
		}
		if !fn(n) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(root)
}

// Leaves returns every leaf node under root, in tree order.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	t.Walk(func(n *Node) bool {
		if n.Kind == KindLeaf {
			out = append(out, n)
		}
		return true
	})
	return out
}
