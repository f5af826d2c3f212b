// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package hashtable implements an open-addressed map from a 128-bit key
// to a tagged 47-bit reference, with fixed power-of-two buckets packed
// into 64-byte cache lines and chained overflow lines.
//
// Each bucket is a linked list of cache lines whose head is stored
// inline in the bucket array. A cache line holds eight 64-bit entries;
// the last slot of a line may be promoted to a chain link to an
// overflow line. Entries carry the top 16 bits of the combined key hash
// so that most non-matching slots are rejected without consulting the
// referent.
//
// The table stores references (handles), not pointers: the caller maps
// a reference back to its referent's key pair through the Resolver
// supplied at construction. References must fit in 47-typeBits bits;
// violating that is a programmer error and panics.
//
// The table is not safe for concurrent use; synchronization is the
// caller's responsibility.
package hashtable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cubefs/cubefs/blobstore/util/log"
)

const (
	bytesPerCacheLine   = 64
	entriesPerCacheLine = bytesPerCacheLine / 8
)

type cacheLine struct {
	entries [entriesPerCacheLine]entry
}

// Resolver maps a stored (reference, type tag) pair back to the key
// pair its referent declares. Lookup uses it to confirm full-key
// equality after a secondary-hash match.
type Resolver func(ref uint64, typ uint8) (key1, key2 uint64)

// PerfCounters tracks cheap operation statistics.
type PerfCounters struct {
	LookupCalls          uint64
	InsertCalls          uint64
	LookupChainsFollowed uint64
	InsertChainsFollowed uint64

	// LookupHashCollisions counts entries whose secondary hash matched
	// a query but whose referent's keys did not.
	LookupHashCollisions uint64
}

// HashTable is the fixed-bucket index described in the package comment.
type HashTable struct {
	numBuckets uint64
	buckets    []cacheLine
	overflow   []*cacheLine

	typeBits uint8
	resolve  Resolver

	perf PerfCounters
}

// New creates a table with numBuckets rounded down to a power of two
// and typeBits tag bits reserved in every entry. Panics if numBuckets
// is zero, typeBits exceeds 8, or resolve is nil.
func New(numBuckets uint64, typeBits uint8, resolve Resolver) *HashTable {
	if numBuckets == 0 {
		panic("hashtable: numBuckets == 0")
	}
	if typeBits > maxTypeBits {
		panic(fmt.Sprintf("hashtable: typeBits %d > %d", typeBits, maxTypeBits))
	}
	if resolve == nil {
		panic("hashtable: nil resolver")
	}
	rounded := nearestPowerOfTwo(numBuckets)
	if rounded != numBuckets {
		log.Debugf("hashtable truncated to %d buckets (nearest power of two)", rounded)
	}
	return &HashTable{
		numBuckets: rounded,
		buckets:    make([]cacheLine, rounded),
		typeBits:   typeBits,
		resolve:    resolve,
	}
}

// Lookup finds the reference stored under (key1, key2).
func (h *HashTable) Lookup(key1, key2 uint64) (ref uint64, typ uint8, ok bool) {
	bucket, secondaryHash := h.findBucket(key1, key2)
	e := h.lookupEntry(bucket, secondaryHash, key1, key2)
	if e == nil {
		return 0, 0, false
	}
	return e.reference(h.typeBits), e.typeTag(h.typeBits), true
}

// InsertOrReplace stores ref under the key pair the resolver declares
// for it. If the key pair was already present the old reference is
// overwritten in place and returned with replaced=true.
func (h *HashTable) InsertOrReplace(ref uint64, typ uint8) (oldRef uint64, oldTyp uint8, replaced bool) {
	h.perf.InsertCalls++
	if ref == 0 {
		panic("hashtable: zero reference is reserved for empty entries")
	}
	key1, key2 := h.resolve(ref, typ)
	bucket, secondaryHash := h.findBucket(key1, key2)

	if e := h.lookupEntry(bucket, secondaryHash, key1, key2); e != nil {
		oldRef = e.reference(h.typeBits)
		oldTyp = e.typeTag(h.typeBits)
		*e = packEntry(secondaryHash, false, ref, typ, h.typeBits)
		return oldRef, oldTyp, true
	}

	cl := bucket
	for {
		for i := range cl.entries {
			if cl.entries[i].isAvailable(h.typeBits) && !cl.entries[i].isChain() {
				cl.entries[i] = packEntry(secondaryHash, false, ref, typ, h.typeBits)
				return 0, 0, false
			}
		}

		last := &cl.entries[entriesPerCacheLine-1]
		if idx := last.chainIndex(); idx != 0 {
			cl = h.overflow[idx-1]
			h.perf.InsertChainsFollowed++
			continue
		}

		// No free slot anywhere in the chain: grow it. The value in
		// the last slot migrates to slot 0 of the fresh line, and the
		// last slot becomes the chain link.
		next := &cacheLine{}
		next.entries[0] = *last
		h.overflow = append(h.overflow, next)
		*last = packEntry(0, true, uint64(len(h.overflow)), 0, 0)
		cl = next
		h.perf.InsertChainsFollowed++
	}
}

// Remove deletes the entry stored under (key1, key2) and returns what
// it held. Emptied overflow lines are not compacted.
func (h *HashTable) Remove(key1, key2 uint64) (ref uint64, typ uint8, ok bool) {
	bucket, secondaryHash := h.findBucket(key1, key2)
	e := h.lookupEntry(bucket, secondaryHash, key1, key2)
	if e == nil {
		return 0, 0, false
	}
	ref = e.reference(h.typeBits)
	typ = e.typeTag(h.typeBits)
	*e = e.clear()
	return ref, typ, true
}

// ForEachInBucket invokes fn on every live referent in the given bucket
// and returns how many were visited.
func (h *HashTable) ForEachInBucket(bucket uint64, fn func(ref uint64, typ uint8)) uint64 {
	var calls uint64
	cl := &h.buckets[bucket]
	for {
		for i := range cl.entries {
			e := cl.entries[i]
			if !e.isChain() && !e.isAvailable(h.typeBits) {
				fn(e.reference(h.typeBits), e.typeTag(h.typeBits))
				calls++
			}
		}
		idx := cl.entries[entriesPerCacheLine-1].chainIndex()
		if idx == 0 {
			return calls
		}
		cl = h.overflow[idx-1]
	}
}

// ForEach invokes fn on every live referent in the table and returns
// how many were visited.
func (h *HashTable) ForEach(fn func(ref uint64, typ uint8)) uint64 {
	var calls uint64
	for i := uint64(0); i < h.numBuckets; i++ {
		calls += h.ForEachInBucket(i, fn)
	}
	return calls
}

// NumBuckets returns the bucket count after power-of-two rounding.
func (h *HashTable) NumBuckets() uint64 { return h.numBuckets }

// PerfCounters returns a copy of the table's statistics.
func (h *HashTable) PerfCounters() PerfCounters { return h.perf }

// ResetPerfCounters zeroes the table's statistics.
func (h *HashTable) ResetPerfCounters() { h.perf = PerfCounters{} }

func (h *HashTable) findBucket(key1, key2 uint64) (*cacheLine, uint64) {
	hashValue := hash64(key1) ^ hash64(key2)
	bucketHash := hashValue & (uint64(1)<<48 - 1)
	return &h.buckets[bucketHash&(h.numBuckets-1)], hashValue >> 48
}

func (h *HashTable) lookupEntry(bucket *cacheLine, secondaryHash, key1, key2 uint64) *entry {
	h.perf.LookupCalls++
	cl := bucket
	for {
		for i := range cl.entries {
			candidate := &cl.entries[i]
			if !candidate.hashMatches(secondaryHash, h.typeBits) {
				continue
			}
			// The stored secondary hash matches; confirm against the
			// referent's declared keys.
			k1, k2 := h.resolve(candidate.reference(h.typeBits), candidate.typeTag(h.typeBits))
			if k1 == key1 && k2 == key2 {
				return candidate
			}
			h.perf.LookupHashCollisions++
		}

		idx := cl.entries[entriesPerCacheLine-1].chainIndex()
		if idx == 0 {
			return nil
		}
		cl = h.overflow[idx-1]
		h.perf.LookupChainsFollowed++
	}
}

func hash64(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return xxhash.Sum64(b[:])
}

func nearestPowerOfTwo(n uint64) uint64 {
	if n&(n-1) == 0 {
		return n
	}
	for i := 63; i >= 0; i-- {
		if uint64(1)<<i <= n {
			return uint64(1) << i
		}
	}
	return 0
}
