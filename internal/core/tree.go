package core

import "math/rand/v2"

// groupKey orders group leaders within a context tree. Insertion
// sequence breaks ties so equal-key groups keep arrival order, which
// is what makes rotation round-robin.
type groupKey struct {
	cpu     int
	backend uint32
	scope   uint64
	seq     uint64
}

func (k groupKey) less(o groupKey) bool {
	if k.cpu != o.cpu {
		return k.cpu < o.cpu
	}

	if k.backend != o.backend {
		return k.backend < o.backend
	}

	if k.scope != o.scope {
		return k.scope < o.scope
	}

	return k.seq < o.seq
}

// sameBucket reports whether two keys share {cpu, backend, scope}.
func (k groupKey) sameBucket(o groupKey) bool {
	return k.cpu == o.cpu && k.backend == o.backend && k.scope == o.scope
}

// groupNode is the per-event tree linkage, embedded in Event. A
// removed node is reset to the empty sentinel state so double-removal
// is detectable.
type groupNode struct {
	parent, left, right *Event
	prio                uint64
	key                 groupKey
	tree                *groupTree
}

func (n *groupNode) onTree() bool { return n.tree != nil }

func (n *groupNode) reset() {
	*n = groupNode{}
}

// groupTree is one ordered set of group leaders (pinned or flexible).
// It is a treap: expected O(log n) insert, delete and lookup. All
// access happens under the owning context's lock.
type groupTree struct {
	root *Event
	size int
	rng  *rand.Rand
}

func newGroupTree(seed uint64) *groupTree {
	return &groupTree{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (t *groupTree) empty() bool { return t.root == nil }
func (t *groupTree) count() int  { return t.size }

func (t *groupTree) rotateUp(e *Event) {
	p := e.node.parent
	g := p.node.parent

	if p.node.left == e {
		p.node.left = e.node.right
		if e.node.right != nil {
			e.node.right.node.parent = p
		}

		e.node.right = p
	} else {
		p.node.right = e.node.left
		if e.node.left != nil {
			e.node.left.node.parent = p
		}

		e.node.left = p
	}

	p.node.parent = e
	e.node.parent = g

	switch {
	case g == nil:
		t.root = e
	case g.node.left == p:
		g.node.left = e
	default:
		g.node.right = e
	}
}

// insert places e by its key. The key must be set beforehand; a node
// already on a tree panics, loudly, because silently re-linking would
// corrupt both trees.
func (t *groupTree) insert(e *Event) {
	if e.node.onTree() {
		panic("core: group node inserted twice")
	}

	e.node.tree = t
	e.node.prio = t.rng.Uint64()
	e.node.left = nil
	e.node.right = nil
	e.node.parent = nil

	if t.root == nil {
		t.root = e
		t.size++

		return
	}

	cur := t.root

	for {
		if e.node.key.less(cur.node.key) {
			if cur.node.left == nil {
				cur.node.left = e
				break
			}

			cur = cur.node.left
		} else {
			if cur.node.right == nil {
				cur.node.right = e
				break
			}

			cur = cur.node.right
		}
	}

	e.node.parent = cur
	t.size++

	// Heap order: smaller priority wins.
	for e.node.parent != nil && e.node.prio < e.node.parent.node.prio {
		t.rotateUp(e)
	}
}

// remove unlinks e and resets its node. Removing a node that is not
// on this tree is a double-delete and panics.
func (t *groupTree) remove(e *Event) {
	if e.node.tree != t {
		panic("core: group node removed from wrong tree or twice")
	}

	// Rotate e down until it is a leaf.
	for e.node.left != nil || e.node.right != nil {
		l, r := e.node.left, e.node.right

		var up *Event

		switch {
		case l == nil:
			up = r
		case r == nil:
			up = l
		case l.node.prio < r.node.prio:
			up = l
		default:
			up = r
		}

		t.rotateUp(up)
	}

	p := e.node.parent

	switch {
	case p == nil:
		t.root = nil
	case p.node.left == e:
		p.node.left = nil
	default:
		p.node.right = nil
	}

	e.node.reset()
	t.size--
}

// lowerBound returns the smallest node whose key is >= k.
func (t *groupTree) lowerBound(k groupKey) *Event {
	var best *Event

	cur := t.root
	for cur != nil {
		if cur.node.key.less(k) {
			cur = cur.node.right
		} else {
			best = cur
			cur = cur.node.left
		}
	}

	return best
}

// first returns the oldest group for exactly {cpu, backend, scope},
// or nil.
func (t *groupTree) first(cpu int, backend uint32, scope uint64) *Event {
	e := t.lowerBound(groupKey{cpu: cpu, backend: backend, scope: scope})
	if e == nil || !e.node.key.sameBucket(groupKey{cpu: cpu, backend: backend, scope: scope}) {
		return nil
	}

	return e
}

// firstForCPU returns the oldest group for {cpu, backend} in any
// scope. Rotation candidates ignore scope.
func (t *groupTree) firstForCPU(cpu int, backend uint32) *Event {
	e := t.lowerBound(groupKey{cpu: cpu, backend: backend})
	if e == nil || e.node.key.cpu != cpu || e.node.key.backend != backend {
		return nil
	}

	return e
}

// successor returns the in-order successor of e.
func (t *groupTree) successor(e *Event) *Event {
	if e.node.right != nil {
		s := e.node.right
		for s.node.left != nil {
			s = s.node.left
		}

		return s
	}

	s := e
	for s.node.parent != nil && s.node.parent.node.right == s {
		s = s.node.parent
	}

	return s.node.parent
}

// next returns the next group in the same {cpu, backend, scope}
// bucket, or nil.
func (t *groupTree) next(e *Event) *Event {
	s := t.successor(e)
	if s == nil || !s.node.key.sameBucket(e.node.key) {
		return nil
	}

	return s
}

// min returns the smallest node of the whole tree.
func (t *groupTree) min() *Event {
	cur := t.root
	if cur == nil {
		return nil
	}

	for cur.node.left != nil {
		cur = cur.node.left
	}

	return cur
}

// visit walks every group visible on the given cpu, in key order:
// any-cpu groups first, then cpu-bound ones, each bucket oldest
// first. Returning false stops the walk.
func (t *groupTree) visit(cpu int, fn func(*Event) bool) {
	for e := t.min(); e != nil; e = t.successor(e) {
		if e.node.key.cpu != AnyCPU && e.node.key.cpu != cpu {
			continue
		}

		if !fn(e) {
			return
		}
	}
}
