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

// Package transport implements reliable request/response RPC over an
// unreliable datagram driver. Messages are fragmented to the driver's
// packet size, paced by a fixed send window, reassembled through a
// sliding staging window and retransmitted on ACK-driven timeouts.
// Sessions multiplex several concurrent RPCs over numbered channels
// and are established by a SESSION_OPEN handshake guarded by a random
// token.
//
// A Transport is single-threaded: one goroutine owns Poll, all session
// state and every timer. ClientRpc.Wait drives Poll until its RPC
// completes.
package transport

import (
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/google/uuid"

	"github.com/cubefs/ramstore/common/buffer"
	"github.com/cubefs/ramstore/metrics"
)

const (
	// numChannelsPerSession is how many concurrent RPCs a server
	// session accepts; it is announced in the SESSION_OPEN response.
	numChannelsPerSession = 8

	// maxNumChannelsPerSession caps how many of the server's channels
	// a client will use.
	maxNumChannelsPerSession = 8

	// maxStagingFragments bounds how far past firstMissingFrag a
	// receiver will stage out-of-order fragments. It must not exceed
	// the 32-bit staging vector on the wire.
	maxStagingFragments = 32

	// windowSize is the maximum number of unacknowledged fragments in
	// flight.
	windowSize = 10

	// reqAckAfter: the sender requests an ACK on every reqAckAfter-th
	// data packet.
	reqAckAfter = 5

	defaultRetransmitTimeoutMs = 10
	defaultSessionTimeoutMs    = 60000
)

// The staging vector must cover the staging window.
const _ = uint32(1) << (maxStagingFragments - 1)

// Config carries transport tunables. Clock is injectable for tests and
// defaults to the wall clock.
type Config struct {
	// RetransmitTimeoutMs is how long a fragment may stay unACKed
	// before it is resent, and how long a receiver waits before
	// volunteering an ACK.
	RetransmitTimeoutMs int64 `json:"retransmit_timeout_ms"`

	// SessionTimeoutMs is the aggregate inactivity bound after which a
	// session is considered dead and its RPCs abort.
	SessionTimeoutMs int64 `json:"session_timeout_ms"`

	Clock clock.Clock `json:"-"`
}

// Transport drives RPCs over a Driver. See the package comment for the
// threading model.
type Transport struct {
	driver Driver
	clock  clock.Clock

	retransmitTimeout time.Duration
	sessionTimeout    time.Duration

	clientSessions *sessionTable
	serverSessions *sessionTable

	// Completed inbound RPCs waiting for the application, FIFO.
	serverReadyQueue []*ServerRpc

	timers timerHeap
}

// New creates a Transport bound to driver.
func New(driver Driver, cfg *Config) *Transport {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.RetransmitTimeoutMs <= 0 {
		cfg.RetransmitTimeoutMs = defaultRetransmitTimeoutMs
	}
	if cfg.SessionTimeoutMs <= 0 {
		cfg.SessionTimeoutMs = defaultSessionTimeoutMs
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	tr := &Transport{
		driver:            driver,
		clock:             clk,
		retransmitTimeout: time.Duration(cfg.RetransmitTimeoutMs) * time.Millisecond,
		sessionTimeout:    time.Duration(cfg.SessionTimeoutMs) * time.Millisecond,
	}
	tr.clientSessions = newSessionTable(tr, func(id uint32) tableSession {
		return newClientSession(tr, id)
	})
	tr.serverSessions = newSessionTable(tr, func(id uint32) tableSession {
		return newServerSession(tr, id)
	})
	return tr
}

// Driver returns the driver the transport was built on.
func (tr *Transport) Driver() Driver { return tr.driver }

// ServiceLocator returns the driver's locator for this endpoint.
func (tr *Transport) ServiceLocator() string { return tr.driver.ServiceLocator() }

// GetSession returns a client session connected (lazily) to the
// endpoint named by locator, reusing an expired slot when possible.
// Callers release the session with its Release method.
func (tr *Transport) GetSession(locator string) (*ClientSession, error) {
	tr.clientSessions.expire()
	session := tr.clientSessions.get().(*ClientSession)
	if err := session.init(locator); err != nil {
		tr.clientSessions.put(session)
		return nil, err
	}
	session.refs++
	return session, nil
}

// ServerRecv dequeues one RPC whose request is fully received, or nil.
func (tr *Transport) ServerRecv() *ServerRpc {
	if len(tr.serverReadyQueue) == 0 {
		return nil
	}
	rpc := tr.serverReadyQueue[0]
	tr.serverReadyQueue = tr.serverReadyQueue[1:]
	rpc.queued = false
	return rpc
}

// Poll delivers pending inbound packets and fires due timers. It
// returns whether any work was done. Poll must only be called from the
// goroutine that owns the Transport.
func (tr *Transport) Poll() bool {
	did := false
	for {
		received := tr.driver.Recv()
		if received == nil {
			break
		}
		tr.handleIncomingPacket(received)
		if !received.stolen {
			tr.driver.Release(received.Payload)
		}
		did = true
	}
	if tr.fireDueTimers() {
		did = true
	}
	return did
}

// Close resets all sessions and shuts the driver down. Sessions may
// hold driver payload memory, so they are torn down first.
func (tr *Transport) Close() error {
	tr.clientSessions.clear()
	tr.serverSessions.clear()
	return tr.driver.Close()
}

func (tr *Transport) now() int64 { return tr.clock.Now().UnixNano() }

// dataPerFragment is how many payload bytes fit in one datagram after
// the header.
func (tr *Transport) dataPerFragment() int {
	return tr.driver.MaxPacketSize() - headerSize
}

// numFrags is how many fragments carrying b this transport will emit.
func (tr *Transport) numFrags(b *buffer.Buffer) uint32 {
	perFragment := tr.dataPerFragment()
	return uint32((b.TotalLength() + perFragment - 1) / perFragment)
}

// handleIncomingPacket classifies one datagram and routes it to a
// session, answering with BAD_SESSION where the hint or token does not
// hold up.
func (tr *Transport) handleIncomingPacket(received *Received) {
	metrics.PacketsReceived.Inc()
	h, ok := decodeHeader(received.Payload)
	if !ok {
		log.Warnf("packet too short (%d bytes)", received.Len())
		metrics.PacketsDropped.Inc()
		return
	}
	if h.pleaseDrop {
		metrics.PacketsDropped.Inc()
		return
	}

	if h.direction == clientToServer {
		if h.serverSessionHint >= tr.serverSessions.size() {
			if h.payloadType == payloadSessionOpen {
				log.Debugf("opening session %d", h.clientSessionHint)
				tr.serverSessions.expire()
				session := tr.serverSessions.get().(*ServerSession)
				session.startSession(received.Sender, h.clientSessionHint)
			} else {
				log.Warnf("bad session hint %d", h.serverSessionHint)
				tr.sendBadSessionError(&h, received.Sender)
			}
			return
		}
		session := tr.serverSessions.at(h.serverSessionHint).(*ServerSession)
		if session.token != h.sessionToken {
			log.Warnf("bad session token (%x in session %d, %x in packet)",
				session.token, h.serverSessionHint, h.sessionToken)
			tr.sendBadSessionError(&h, received.Sender)
			return
		}
		session.processInboundPacket(&h, received)
		return
	}

	// Server-to-client.
	if h.clientSessionHint >= tr.clientSessions.size() {
		log.Warnf("bad client session hint %d", h.clientSessionHint)
		metrics.PacketsDropped.Inc()
		return
	}
	session := tr.clientSessions.at(h.clientSessionHint).(*ClientSession)
	if session.token == h.sessionToken || h.payloadType == payloadSessionOpen {
		session.processInboundPacket(&h, received)
	} else {
		log.Warnf("bad fragment token (%x in session %d, %x in packet), client dropping",
			session.token, h.clientSessionHint, h.sessionToken)
		metrics.PacketsDropped.Inc()
	}
}

// sendBadSessionError answers a packet whose session could not be
// validated.
func (tr *Transport) sendBadSessionError(h *header, addr Address) {
	metrics.BadSessions.Inc()
	reply := header{
		sessionToken:      h.sessionToken,
		rpcID:             h.rpcID,
		clientSessionHint: h.clientSessionHint,
		serverSessionHint: h.serverSessionHint,
		channelID:         h.channelID,
		payloadType:       payloadBadSession,
		direction:         serverToClient,
	}
	tr.sendPacket(addr, &reply, nil)
}

// sendPacket encodes h and hands one datagram to the driver.
func (tr *Transport) sendPacket(addr Address, h *header, payload *buffer.Iterator) {
	var hdr [headerSize]byte
	h.encode(hdr[:])
	if err := tr.driver.SendPacket(addr, hdr[:], payload); err != nil {
		log.Errorf("driver send to %s failed: %s", addr, err)
		return
	}
	metrics.PacketsSent.Inc()
}

// newSessionToken draws a random non-zero session token.
func newSessionToken() uint64 {
	for {
		u := uuid.New()
		if token := binary.LittleEndian.Uint64(u[:8]); token != invalidToken {
			return token
		}
	}
}
