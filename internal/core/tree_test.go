package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaderWithKey(t *groupTree, cpu int, backend uint32, scope, seq uint64) *Event {
	ev := &Event{cpu: cpu}
	ev.leader = ev
	ev.node.key = groupKey{cpu: cpu, backend: backend, scope: scope, seq: seq}
	t.insert(ev)

	return ev
}

func TestGroupTreeBucketOrder(t *testing.T) {
	tree := newGroupTree(1)

	a := leaderWithKey(tree, 0, 0, 0, 1)
	b := leaderWithKey(tree, 0, 0, 0, 2)
	c := leaderWithKey(tree, 0, 0, 0, 3)

	got := tree.first(0, 0, 0)
	require.Same(t, a, got)

	got = tree.next(got)
	require.Same(t, b, got)

	got = tree.next(got)
	require.Same(t, c, got)

	assert.Nil(t, tree.next(got))
}

func TestGroupTreeBucketsAreDisjoint(t *testing.T) {
	tree := newGroupTree(2)

	leaderWithKey(tree, 0, 0, 0, 1)
	other := leaderWithKey(tree, 0, 1, 0, 2)

	first := tree.first(0, 0, 0)
	require.NotNil(t, first)
	assert.Nil(t, tree.next(first), "bucket walk must not cross backends")

	require.Same(t, other, tree.first(0, 1, 0))
}

func TestGroupTreeVisitFiltersCPU(t *testing.T) {
	tree := newGroupTree(3)

	anyCPU := leaderWithKey(tree, AnyCPU, 0, 0, 1)
	cpu0 := leaderWithKey(tree, 0, 0, 0, 2)
	leaderWithKey(tree, 1, 0, 0, 3)

	var seen []*Event

	tree.visit(0, func(e *Event) bool {
		seen = append(seen, e)
		return true
	})

	require.Len(t, seen, 2)
	assert.Same(t, anyCPU, seen[0], "any-cpu groups sort before cpu-bound ones")
	assert.Same(t, cpu0, seen[1])
}

func TestGroupTreeRemoveMidBucket(t *testing.T) {
	tree := newGroupTree(4)

	a := leaderWithKey(tree, 0, 0, 0, 1)
	b := leaderWithKey(tree, 0, 0, 0, 2)
	c := leaderWithKey(tree, 0, 0, 0, 3)

	tree.remove(b)
	assert.False(t, b.node.onTree())

	got := tree.first(0, 0, 0)
	require.Same(t, a, got)
	require.Same(t, c, tree.next(got))
	assert.Equal(t, 2, tree.count())
}

func TestGroupTreeDoubleInsertPanics(t *testing.T) {
	tree := newGroupTree(5)
	ev := leaderWithKey(tree, 0, 0, 0, 1)

	assert.Panics(t, func() { tree.insert(ev) })
}

func TestGroupTreeReinsertMovesToTail(t *testing.T) {
	tree := newGroupTree(6)

	a := leaderWithKey(tree, 0, 0, 0, 1)
	b := leaderWithKey(tree, 0, 0, 0, 2)

	tree.remove(a)
	a.node.key.seq = 3
	tree.insert(a)

	got := tree.first(0, 0, 0)
	require.Same(t, b, got)
	require.Same(t, a, tree.next(got))
}

func TestGroupTreeManyInserts(t *testing.T) {
	tree := newGroupTree(7)

	events := make([]*Event, 0, 128)
	for i := 0; i < 128; i++ {
		events = append(events, leaderWithKey(tree, 0, 0, 0, uint64(i+1)))
	}

	got := tree.first(0, 0, 0)
	for i := 0; i < 128; i++ {
		require.Same(t, events[i], got, "position %d", i)
		got = tree.next(got)
	}

	assert.Nil(t, got)

	for _, ev := range events {
		tree.remove(ev)
	}

	assert.True(t, tree.empty())
}
