package csprof

import (
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// IDAllocator is the process-wide persistent-ID counter (§3.2, §9): a
// lock-free atomic fetch-and-add by 2, reserving even IDs for ordinary
// nodes and never assigning 0.
type IDAllocator struct {
	next uint32
}

// Next returns the next even persistent ID.
func (a *IDAllocator) Next() uint32 {
	return atomic.AddUint32(&a.next, 2)
}

// Node is one call-context site (§3.2).
type Node struct {
	Parent      *Node
	FirstChild  *Node
	NextSibling *Node

	IP     uint64
	SP     uint64
	AsInfo AssocInfo
	LIP    LIP

	// id is the even persistent ID assigned at creation. retained marks
	// "must not be pruned" nodes referenced by an out-of-band trace
	// consumer; PersistentID reports it as an odd ID (§9), but in memory
	// it is a plain bool so creation never has to contend for an odd
	// counter. The serializer writes dense preorder IDs, which do not
	// carry this parity.
	id       uint32
	retained bool

	Metrics []uint64
	Epoch   *Epoch
}

// PersistentID returns the node's identifier, with the parity trick applied
// for "must retain" nodes: the stored ID is always even, and the reported
// one is odd if Retained.
func (n *Node) PersistentID() uint32 {
	if n.retained {
		return n.id | 1
	}
	return n.id
}

// Retained reports whether an out-of-band trace consumer has referenced
// this node, making it ineligible for pruning.
func (n *Node) Retained() bool { return n.retained }

// MarkRetained flags the node as retained.
func (n *Node) MarkRetained() { n.retained = true }

func (n *Node) childIdentityEqual(ip uint64, lip LIP, as AssocInfo) bool {
	return n.IP == ip && lipEqual(n.LIP, lip) && n.AsInfo.classEqual(as) && n.AsInfo.pathLenEqual(as)
}

// CtxtChain is the creation-context chain (§3.6): one entry per ancestor in
// the creator thread's CCT path from root to the node current when the new
// thread was spawned. It is a read-only, singly linked snapshot; the merge
// that builds it never mutates the creator's tree.
type CtxtChain struct {
	Node   *Node
	Parent *CtxtChain
}

// SnapshotCtxt walks from leaf back to the creator's CCT root, producing a
// CtxtChain headed by leaf itself and linked via Parent toward the root
// (§4.6.3): the chain's head is what a new thread's CCT attaches under, and
// the chain is only ever otherwise read during serialization, where it is
// emitted leaf-first. Because this wraps the same *Node pointers from the
// creator's tree rather than copying the subtree, it is only safe because
// the creator's tree is never mutated by this read.
func SnapshotCtxt(leaf *Node) *CtxtChain {
	var head, tail *CtxtChain
	for n := leaf; n != nil; n = n.Parent {
		link := &CtxtChain{Node: n}
		if tail == nil {
			head = link
		} else {
			tail.Parent = link
		}
		tail = link
	}
	return head
}

// CCT is one thread's Calling-Context Tree.
type CCT struct {
	arena *TypedArena[Node]
	ids   *IDAllocator
	Root  *Node
	Ctxt  *CtxtChain
	count int
}

// NewCCT allocates an empty tree with a fresh synthetic root, whose parent
// is the terminal node of ctxt (or nil if ctxt is nil). ids must not be nil:
// callers must share one IDAllocator across every CCT in the process.
func NewCCT(persistent *TypedArena[Node], ctxt *CtxtChain, ids *IDAllocator) *CCT {
	if persistent == nil {
		persistent = NewTypedArena[Node](256)
	}
	root := persistent.Alloc()
	root.id = ids.Next()
	if ctxt != nil {
		root.Parent = ctxt.Node
	}
	return &CCT{arena: persistent, ids: ids, Root: root, Ctxt: ctxt, count: 1}
}

// NodeCount returns the number of nodes created in this tree so far.
func (t *CCT) NodeCount() int { return t.count }

func findChild(parent *Node, ip uint64, lip LIP, as AssocInfo) *Node {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.childIdentityEqual(ip, lip, as) {
			return c
		}
	}
	return nil
}

func (t *CCT) newChild(parent *Node, f Frame) *Node {
	n := t.arena.Alloc()
	n.Parent = parent
	n.IP = f.IP
	n.SP = f.SP
	n.AsInfo = f.AsInfo
	n.LIP = f.LIP
	n.id = t.ids.Next()
	n.NextSibling = parent.FirstChild
	parent.FirstChild = n
	t.count++
	return n
}

// Insert walks from start outward-to-inward through frames (which arrive
// innermost-first, so Insert iterates it right-to-left per §4.6.1),
// matching or creating children, then credits metricID on the leaf by
// count. It returns the leaf node reached. This is the sole mutator of a
// thread's CCT and is only ever called by that thread itself (including its
// own signal handler), so no locking is required (§4.7.1) beyond the
// metrics increment itself being a plain add, not an atomic one, since
// there is exactly one writer.
func (t *CCT) Insert(start *Node, frames []Frame, numMetrics int, metricID int, count uint64) *Node {
	cursor := start
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		child := findChild(cursor, f.IP, f.LIP, f.AsInfo)
		if child != nil {
			if f.AsInfo.Assoc == AssocOneToOne && child.AsInfo.Assoc != AssocOneToOne {
				child.AsInfo.Assoc = AssocOneToOne
			}
			cursor = child
			continue
		}
		for j := i; j >= 0; j-- {
			cursor = t.newChild(cursor, frames[j])
		}
		break
	}
	// numMetrics <= 0 means "just position the cursor, credit nothing" —
	// used by ForkEpoch to replay the cached backtrace into a fresh CCT
	// without attributing a sample to it.
	if numMetrics > 0 {
		if len(cursor.Metrics) < numMetrics {
			grown := make([]uint64, numMetrics)
			copy(grown, cursor.Metrics)
			cursor.Metrics = grown
		}
		cursor.Metrics[metricID] += count
	}
	return cursor
}

// ForkEpoch allocates a new CCT for the same thread, seeded with the cached
// backtrace so fast-path common-prefix tracking continues (§4.2 "Sample
// interaction"), and chains the old tree forward via Next so both survive
// to serialization.
func ForkEpoch(state *ThreadState, newEpoch *Epoch) {
	old := state.CSData
	fresh := NewCCT(nil, old.Ctxt, old.ids)

	oldState := &ThreadState{
		Flags:             state.Flags,
		Identity:          state.Identity,
		TrampolineSamples: 0,
		BadUnwindCount:    0,
		CSData:            old,
		Epoch:             state.Epoch,
		Next:              state.Next,
	}
	state.Next = oldState
	state.CSData = fresh
	state.Epoch = newEpoch
	state.Cursor = fresh.Root

	cached := state.buf.Cached()
	if len(cached) > 0 {
		leaf := fresh.Insert(fresh.Root, cached, 0, 0, 0)
		state.Cursor = leaf
	}
}

// preorderKey is the canonical deterministic ordering for sibling traversal
// during dense-ID renumbering (§4.6.4): (structure_id, type, dyn_info,
// node_id). This core doesn't model HPCToolkit's loadmap "structure" or
// "dyn_info" concepts, so those components of the key collapse to the
// node's static identity (IP, LIP, Assoc) with the original persistent ID
// breaking remaining ties, which keeps the ordering both deterministic and
// stable across repeated runs of the same samples.
func preorderKey(n *Node) (ip uint64, assoc Assoc, lip string, id uint32) {
	return n.IP, n.AsInfo.Assoc, string(n.LIP), n.id
}

// AssignDenseIDs returns a dense preorder numbering of the tree's nodes
// starting at 1, reserving 0 as the null marker (§4.6.4). It does not
// modify the nodes: their sparse persistent IDs stay as they are. It is
// idempotent: calling it again on an unchanged tree produces the same
// numbering, because the sort key only reads fields it never changes.
//
// If ctxt is non-nil, the creation-context chain's ancestors (root-most
// first) are numbered before root's own subtree, so a node referenced both
// as a ctxt-chain entry and as a subtree's attachment point gets exactly one
// dense ID usable by both writeCtxtChain and writeTree.
func AssignDenseIDs(root *Node, ctxt *CtxtChain) map[*Node]uint32 {
	ids := make(map[*Node]uint32)
	next := uint32(1)

	var chain []*Node
	for c := ctxt; c != nil; c = c.Parent {
		chain = append(chain, c.Node)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if _, ok := ids[n]; !ok {
			ids[n] = next
			next++
		}
	}

	var walk func(n *Node)
	walk = func(n *Node) {
		if _, ok := ids[n]; !ok {
			ids[n] = next
			next++
		}

		children := make([]*Node, 0, 4)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			children = append(children, c)
		}
		slices.SortFunc(children, func(a, b *Node) bool {
			aip, aas, alip, aid := preorderKey(a)
			bip, bas, blip, bid := preorderKey(b)
			if aip != bip {
				return aip < bip
			}
			if aas != bas {
				return aas < bas
			}
			if alip != blip {
				return alip < blip
			}
			return aid < bid
		})
		for _, c := range children {
			walk(c)
		}
	}
	walk(root)
	return ids
}

// pruneChaff walks the subtree rooted at anchor and reports, for every node
// reached, whether it survives serialization: a node survives if it is
// retained, carries a nonzero metric, or has a surviving child, so an
// internal node whose whole subtree is chaff is dropped too. A leaf with
// neither retention nor credit is chaff — a zero-credit placeholder left
// behind by ForkEpoch seeding a fresh tree with the cached backtrace — and
// is dropped entirely (§4.6.4 Testable Property 5). anchor itself always
// survives regardless, since it is the write's own attachment point.
func pruneChaff(anchor *Node) map[*Node]bool {
	survive := make(map[*Node]bool)

	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		hasSurvivingChild := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				hasSurvivingChild = true
			}
		}
		ok := hasSurvivingChild || n.Retained() || hasNonzeroMetric(n.Metrics)
		survive[n] = ok
		return ok
	}
	walk(anchor)
	survive[anchor] = true
	return survive
}

func hasNonzeroMetric(vs []uint64) bool {
	for _, v := range vs {
		if v != 0 {
			return true
		}
	}
	return false
}
