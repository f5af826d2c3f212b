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

const (
	// nextFreeNone marks a session that is currently in use.
	nextFreeNone = ^uint32(0)
	// nextFreeTail marks the last session on the free list.
	nextFreeTail = ^uint32(0) - 1
)

// tableSession is what a sessionTable needs from its elements. Both
// ClientSession and ServerSession implement it.
type tableSession interface {
	sessionID() uint32
	getNextFree() uint32
	setNextFree(v uint32)
	lastActivity() int64
	// expire tries to return the session to a reusable state; it
	// reports whether the session is now idle.
	expire() bool
}

// sessionTable is a grow-on-demand pool of session slots addressed by
// a compact hint (the slot index). Freed slots form an intrusive free
// list through each session's nextFree field. A stale hint is caught
// later by the token check at packet dispatch.
type sessionTable struct {
	tr         *Transport
	newSession func(id uint32) tableSession

	sessions         []tableSession
	firstFree        uint32
	lastCleanedIndex uint32
}

func newSessionTable(tr *Transport, factory func(id uint32) tableSession) *sessionTable {
	return &sessionTable{
		tr:         tr,
		newSession: factory,
		firstFree:  nextFreeTail,
	}
}

func (t *sessionTable) size() uint32 { return uint32(len(t.sessions)) }

func (t *sessionTable) at(hint uint32) tableSession { return t.sessions[hint] }

// get returns a free session, preferably reused, growing the table if
// none is free.
func (t *sessionTable) get() tableSession {
	hint := t.firstFree
	if hint >= t.size() {
		hint = t.size()
		session := t.newSession(hint)
		session.setNextFree(nextFreeTail)
		t.sessions = append(t.sessions, session)
	}
	session := t.sessions[hint]
	t.firstFree = session.getNextFree()
	session.setNextFree(nextFreeNone)
	return session
}

// put returns a session to the free list.
func (t *sessionTable) put(session tableSession) {
	session.setNextFree(t.firstFree)
	t.firstFree = session.sessionID()
}

// expire probes a few sessions for inactivity beyond the session
// timeout and reclaims the ones that agree to expire.
func (t *sessionTable) expire() {
	const sessionsToCheck = 5
	now := t.tr.now()
	for i := 0; i < sessionsToCheck; i++ {
		t.lastCleanedIndex++
		if t.lastCleanedIndex >= t.size() {
			t.lastCleanedIndex = 0
			if t.size() == 0 {
				return
			}
		}
		session := t.sessions[t.lastCleanedIndex]
		if session.getNextFree() == nextFreeNone &&
			session.lastActivity()+int64(t.tr.sessionTimeout) <= now {
			if session.expire() {
				t.put(session)
			}
		}
	}
}

// clear expires every session and resets the table to its initial
// state.
func (t *sessionTable) clear() {
	for _, session := range t.sessions {
		session.expire()
	}
	t.sessions = nil
	t.lastCleanedIndex = 0
	t.firstFree = nextFreeTail
}
