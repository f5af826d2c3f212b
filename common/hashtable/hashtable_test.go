package hashtable

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// testIndex wires a HashTable to a slice of referents addressed by
// reference = index+1.
type testIndex struct {
	table     *HashTable
	referents []testReferent
}

type testReferent struct {
	key1, key2 uint64
}

func newTestIndex(numBuckets uint64, typeBits uint8) *testIndex {
	idx := &testIndex{}
	idx.table = New(numBuckets, typeBits, func(ref uint64, _ uint8) (uint64, uint64) {
		r := idx.referents[ref-1]
		return r.key1, r.key2
	})
	return idx
}

func (idx *testIndex) add(key1, key2 uint64, typ uint8) uint64 {
	idx.referents = append(idx.referents, testReferent{key1: key1, key2: key2})
	ref := uint64(len(idx.referents))
	idx.table.InsertOrReplace(ref, typ)
	return ref
}

func TestHashTable_RoundTrip(t *testing.T) {
	idx := newTestIndex(1024, 3)
	ref := idx.add(77, 88, 5)

	gotRef, gotTyp, ok := idx.table.Lookup(77, 88)
	require.True(t, ok)
	require.Equal(t, ref, gotRef)
	require.Equal(t, uint8(5), gotTyp)

	gotRef, gotTyp, ok = idx.table.Remove(77, 88)
	require.True(t, ok)
	require.Equal(t, ref, gotRef)
	require.Equal(t, uint8(5), gotTyp)

	_, _, ok = idx.table.Lookup(77, 88)
	require.False(t, ok)
	_, _, ok = idx.table.Remove(77, 88)
	require.False(t, ok)
}

func TestHashTable_Replace(t *testing.T) {
	idx := newTestIndex(64, 0)
	first := idx.add(1, 2, 0)

	// Same key pair through a different referent slot.
	idx.referents = append(idx.referents, testReferent{key1: 1, key2: 2})
	second := uint64(len(idx.referents))
	oldRef, _, replaced := idx.table.InsertOrReplace(second, 0)
	require.True(t, replaced)
	require.Equal(t, first, oldRef)

	gotRef, _, ok := idx.table.Lookup(1, 2)
	require.True(t, ok)
	require.Equal(t, second, gotRef)
}

func TestHashTable_BucketRounding(t *testing.T) {
	idx := &testIndex{}
	idx.table = New(1000, 0, func(ref uint64, _ uint8) (uint64, uint64) {
		r := idx.referents[ref-1]
		return r.key1, r.key2
	})
	require.Equal(t, uint64(512), idx.table.NumBuckets())
}

func TestHashTable_ConstructionPanics(t *testing.T) {
	resolve := func(uint64, uint8) (uint64, uint64) { return 0, 0 }
	require.Panics(t, func() { New(0, 0, resolve) })
	require.Panics(t, func() { New(16, 9, resolve) })
	require.Panics(t, func() { New(16, 0, nil) })
}

func TestHashTable_ReferenceBounds(t *testing.T) {
	idx := newTestIndex(16, 0)
	idx.referents = append(idx.referents, testReferent{})

	require.Panics(t, func() { idx.table.InsertOrReplace(0, 0) })

	// A reference beyond 47 bits cannot be packed.
	huge := &testIndex{}
	huge.table = New(16, 0, func(ref uint64, _ uint8) (uint64, uint64) { return 0, 0 })
	require.Panics(t, func() { huge.table.InsertOrReplace(uint64(1)<<47, 0) })

	// With 4 tag bits only 43 reference bits remain.
	tagged := &testIndex{}
	tagged.table = New(16, 4, func(ref uint64, _ uint8) (uint64, uint64) { return 0, 0 })
	require.Panics(t, func() { tagged.table.InsertOrReplace(uint64(1)<<43, 0) })
	require.Panics(t, func() { tagged.table.InsertOrReplace(1, 16) })
}

func TestHashTable_ChainOverflow(t *testing.T) {
	// A single bucket forces every insert into bucket 0; 17 referents
	// need the inline line plus two overflow lines.
	idx := newTestIndex(1, 0)
	want := map[uint64]bool{}
	for i := uint64(0); i < 17; i++ {
		want[idx.add(i, i+1000, 0)] = true
	}
	require.Len(t, idx.table.overflow, 2)

	seen := map[uint64]bool{}
	calls := idx.table.ForEachInBucket(0, func(ref uint64, _ uint8) {
		require.False(t, seen[ref])
		seen[ref] = true
	})
	require.Equal(t, uint64(17), calls)
	require.Equal(t, want, seen)

	// Every referent is still reachable through the chain.
	for i := uint64(0); i < 17; i++ {
		_, _, ok := idx.table.Lookup(i, i+1000)
		require.True(t, ok, "key %d", i)
	}
}

func TestHashTable_ForEachAfterDeletions(t *testing.T) {
	idx := newTestIndex(4, 0)
	refs := map[uint64]bool{}
	for i := uint64(0); i < 40; i++ {
		refs[idx.add(i, i, 0)] = true
	}
	for i := uint64(0); i < 40; i += 2 {
		ref, _, ok := idx.table.Remove(i, i)
		require.True(t, ok)
		delete(refs, ref)
	}

	seen := map[uint64]bool{}
	calls := idx.table.ForEach(func(ref uint64, _ uint8) {
		require.False(t, seen[ref])
		seen[ref] = true
	})
	require.Equal(t, uint64(20), calls)
	require.Equal(t, refs, seen)
}

func TestHashTable_CollisionCounter(t *testing.T) {
	// Two referents with distinct keys planted in the same bucket with
	// the same stored secondary hash: a lookup that touches the
	// non-matching one must count exactly one collision.
	idx := &testIndex{}
	idx.table = New(1, 0, func(ref uint64, _ uint8) (uint64, uint64) {
		r := idx.referents[ref-1]
		return r.key1, r.key2
	})
	idx.referents = append(idx.referents,
		testReferent{key1: 1, key2: 1},
		testReferent{key1: 2, key2: 2},
	)

	// Forge B's entry with A's secondary hash in the first slot, then
	// insert A normally; it lands behind the forged entry.
	_, secondary1 := idx.table.findBucket(1, 1)
	idx.table.buckets[0].entries[0] = packEntry(secondary1, false, 2, 0, 0)
	idx.table.InsertOrReplace(1, 0)

	idx.table.ResetPerfCounters()
	ref, _, ok := idx.table.Lookup(1, 1)
	require.True(t, ok)
	require.Equal(t, uint64(1), ref)
	require.Equal(t, uint64(1), idx.table.PerfCounters().LookupHashCollisions)

	// Each further query through the colliding slot costs exactly one
	// more collision.
	idx.table.Lookup(1, 1)
	require.Equal(t, uint64(2), idx.table.PerfCounters().LookupHashCollisions)
}

func TestHashTable_RandomizedChurn(t *testing.T) {
	rand.Seed(7)
	idx := newTestIndex(64, 2)
	live := map[[2]uint64]uint64{}
	for i := 0; i < 2000; i++ {
		k1, k2 := rand.Uint64()%500, rand.Uint64()%500
		key := [2]uint64{k1, k2}
		if ref, ok := live[key]; ok && rand.Intn(2) == 0 {
			gotRef, _, removed := idx.table.Remove(k1, k2)
			require.True(t, removed)
			require.Equal(t, ref, gotRef)
			delete(live, key)
		} else if !ok {
			live[key] = idx.add(k1, k2, uint8(rand.Intn(4)))
		}
	}
	for key, ref := range live {
		gotRef, _, ok := idx.table.Lookup(key[0], key[1])
		require.True(t, ok)
		require.Equal(t, ref, gotRef)
	}
	require.Equal(t, uint64(len(live)), idx.table.ForEach(func(uint64, uint8) {}))
}

func BenchmarkHashTable_Lookup(b *testing.B) {
	idx := newTestIndex(1<<16, 0)
	for i := uint64(0); i < 1<<16; i++ {
		idx.add(i, i, 0)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.table.Lookup(uint64(i)&(1<<16-1), uint64(i)&(1<<16-1))
	}
}
