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

package transport

import (
	"container/heap"
	"time"
)

// timer is a one-shot deadline owned by a session or message and fired
// from the transport's Poll loop. Cancellation is logical: stop (or a
// re-arm) bumps the generation so stale heap events are skipped rather
// than removed.
type timer struct {
	tr    *Transport
	fn    func()
	gen   uint64
	armed bool
}

func (t *timer) arm(d time.Duration) {
	t.gen++
	t.armed = true
	heap.Push(&t.tr.timers, timerEvent{
		at:  t.tr.clock.Now().Add(d).UnixNano(),
		gen: t.gen,
		t:   t,
	})
}

func (t *timer) stop() {
	t.gen++
	t.armed = false
}

type timerEvent struct {
	at  int64
	gen uint64
	t   *timer
}

type timerHeap []timerEvent

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEvent)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

// fireDueTimers pops and runs every armed timer whose deadline has
// passed. Returns whether any fired.
func (tr *Transport) fireDueTimers() bool {
	now := tr.clock.Now().UnixNano()
	fired := false
	for len(tr.timers) > 0 && tr.timers[0].at <= now {
		ev := heap.Pop(&tr.timers).(timerEvent)
		if ev.gen != ev.t.gen || !ev.t.armed {
			continue
		}
		ev.t.armed = false
		ev.t.fn()
		fired = true
	}
	return fired
}
