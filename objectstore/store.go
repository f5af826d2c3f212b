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

// Package objectstore keeps objects in RAM behind the cache-line
// hash table, keyed by (tableID, key), and serves them over the
// transport.
package objectstore

import (
	"github.com/cubefs/ramstore/common/hashtable"
	apierrors "github.com/cubefs/ramstore/errors"
)

const (
	defaultNumBuckets = 1 << 20
	defaultMaxObjects = 1 << 24
)

type Config struct {
	// NumBuckets is rounded down to a power of two.
	NumBuckets uint64 `json:"num_buckets"`

	// MaxObjects bounds the object arena; references into the hash
	// table are arena indexes and must fit its 47-bit field.
	MaxObjects uint64 `json:"max_objects"`
}

type object struct {
	tableID uint64
	key     uint64
	value   []byte
}

// Store maps (tableID, key) to a value through the hash table. Objects
// live in an arena whose slots are recycled through a free list; the
// hash table stores slot index + 1 so that zero stays the empty entry.
type Store struct {
	cfg   Config
	table *hashtable.HashTable

	objects  []object
	freeList []uint64
}

func NewStore(cfg *Config) *Store {
	if cfg.NumBuckets == 0 {
		cfg.NumBuckets = defaultNumBuckets
	}
	if cfg.MaxObjects == 0 {
		cfg.MaxObjects = defaultMaxObjects
	}
	s := &Store{cfg: *cfg}
	s.table = hashtable.New(cfg.NumBuckets, 0, func(ref uint64, _ uint8) (uint64, uint64) {
		o := &s.objects[ref-1]
		return o.tableID, o.key
	})
	return s
}

// Write stores value under (tableID, key), replacing any previous
// value.
func (s *Store) Write(tableID, key uint64, value []byte) error {
	ref, err := s.allocObject(tableID, key, value)
	if err != nil {
		return err
	}
	if oldRef, _, replaced := s.table.InsertOrReplace(ref, 0); replaced {
		s.freeObject(oldRef)
	}
	return nil
}

// Read returns the value stored under (tableID, key). The returned
// bytes stay valid until the object is overwritten or removed.
func (s *Store) Read(tableID, key uint64) ([]byte, error) {
	ref, _, ok := s.table.Lookup(tableID, key)
	if !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	return s.objects[ref-1].value, nil
}

// Remove deletes the object stored under (tableID, key).
func (s *Store) Remove(tableID, key uint64) error {
	ref, _, ok := s.table.Remove(tableID, key)
	if !ok {
		return apierrors.ErrObjectDoesNotExist
	}
	s.freeObject(ref)
	return nil
}

// Len returns how many objects are stored.
func (s *Store) Len() int {
	return len(s.objects) - len(s.freeList)
}

// TableCounters exposes the hash table statistics.
func (s *Store) TableCounters() hashtable.PerfCounters {
	return s.table.PerfCounters()
}

func (s *Store) allocObject(tableID, key uint64, value []byte) (uint64, error) {
	if n := len(s.freeList); n > 0 {
		ref := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.objects[ref-1] = object{tableID: tableID, key: key, value: value}
		return ref, nil
	}
	if uint64(len(s.objects)) >= s.cfg.MaxObjects {
		return 0, apierrors.ErrStoreFull
	}
	s.objects = append(s.objects, object{tableID: tableID, key: key, value: value})
	return uint64(len(s.objects)), nil
}

func (s *Store) freeObject(ref uint64) {
	s.objects[ref-1] = object{}
	s.freeList = append(s.freeList, ref)
}
