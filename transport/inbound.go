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
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ramstore/common/buffer"
	"github.com/cubefs/ramstore/metrics"
)

// session is the view Inbound/outbound messages have of the session
// that owns their channel.
type session interface {
	fillHeader(h *header, channelID uint8)
	getAddress() Address
	closeSession()
	lastActivity() int64
	touch()
}

// inboundMessage reassembles the fragments of one request or response
// into its destination Buffer. Fragments at firstMissingFrag are
// appended directly; later ones wait in a sliding staging window whose
// first slot corresponds to firstMissingFrag+1. Fragment payloads are
// stolen from the driver and travel into the Buffer as owned chunks
// that release back to the driver.
type inboundMessage struct {
	tr        *Transport
	sess      session
	channelID uint8

	totalFrags       uint32
	firstMissingFrag uint32

	// window base is always firstMissingFrag+1; a staged slot holds
	// the whole packet including its header.
	window fragWindow

	dataBuffer *buffer.Buffer

	// The client side arms a timer that volunteers ACKs when inbound
	// traffic stalls and kills the session when it stalls for too
	// long; the server side leaves timeouts to the client.
	timer    timer
	useTimer bool
}

func (m *inboundMessage) setup(tr *Transport, sess session, channelID uint8, useTimer bool) {
	m.tr = tr
	m.sess = sess
	m.channelID = channelID
	m.window = newFragWindow(maxStagingFragments)
	m.timer = timer{tr: tr, fn: m.onTimer}
	m.useTimer = false
	m.reset()
	m.useTimer = useTimer
}

// reset releases any staged payloads back to the driver and marks the
// message inactive. init must be called before reuse.
func (m *inboundMessage) reset() {
	for i := uint32(0); i < m.window.length(); i++ {
		if payload := m.window.get(m.firstMissingFrag + 1 + i); payload != nil {
			m.tr.driver.Release(payload)
		}
	}
	m.totalFrags = 0
	m.firstMissingFrag = 0
	m.window.reset(1)
	m.dataBuffer = nil
	m.timer.stop()
}

// init readies a previously reset message to receive totalFrags
// fragments into dataBuffer.
func (m *inboundMessage) init(totalFrags uint32, dataBuffer *buffer.Buffer) {
	m.reset()
	m.totalFrags = totalFrags
	m.dataBuffer = dataBuffer
	if m.useTimer {
		m.timer.arm(m.tr.retransmitTimeout)
	}
}

// processReceivedData incorporates one DATA fragment, ACKs if the
// sender asked, and reports whether the message is now complete.
func (m *inboundMessage) processReceivedData(h *header, received *Received) bool {
	if uint32(h.totalFrags) != m.totalFrags {
		log.Warnf("header totalFrags (%d) != totalFrags (%d)", h.totalFrags, m.totalFrags)
		metrics.PacketsDropped.Inc()
		return m.firstMissingFrag == m.totalFrags
	}

	frag := uint32(h.fragNumber)
	switch {
	case frag == m.firstMissingFrag:
		m.appendPayload(received.Steal(), received.Driver)
		// Slide the window over every staged fragment that is now
		// contiguous, restoring the invariants that firstMissingFrag
		// names the first unreceived fragment and that the window
		// starts just after it.
		for {
			payload := m.window.advance()
			m.firstMissingFrag++
			if payload == nil {
				break
			}
			m.appendPayload(payload, received.Driver)
		}
	case frag > m.firstMissingFrag:
		if frag-m.firstMissingFrag > maxStagingFragments {
			log.Warnf("fragNumber %d out of range (last OK = %d)",
				frag, m.firstMissingFrag+maxStagingFragments)
			metrics.PacketsDropped.Inc()
		} else if m.window.get(frag) == nil {
			m.window.set(frag, received.Steal())
		} else {
			log.Warnf("duplicate fragment %d received", frag)
			metrics.PacketsDropped.Inc()
		}
	default:
		// Stale fragment, already delivered.
	}

	if h.requestAck {
		m.sendAck()
	}
	if m.useTimer {
		m.timer.arm(m.tr.retransmitTimeout)
	}
	return m.firstMissingFrag == m.totalFrags
}

// appendPayload moves one stolen packet into the destination Buffer,
// stripping the header. The chunk's release hands the packet memory
// back to the driver when the Buffer is Reset.
func (m *inboundMessage) appendPayload(payload []byte, driver Driver) {
	m.dataBuffer.AppendOwned(payload[headerSize:], func() {
		driver.Release(payload)
	})
}

// sendAck reports firstMissingFrag and the staging bitmap to the
// sender.
func (m *inboundMessage) sendAck() {
	var h header
	m.sess.fillHeader(&h, m.channelID)
	h.payloadType = payloadAck

	ack := ackResponse{firstMissingFrag: uint16(m.firstMissingFrag)}
	for i := uint32(0); i < m.window.length(); i++ {
		if m.window.get(m.firstMissingFrag+1+i) != nil {
			ack.stagingVector |= 1 << i
		}
	}
	var payload buffer.Buffer
	ack.encode(payload.AllocAppend(ackResponseSize))
	m.tr.sendPacket(m.sess.getAddress(), &h, buffer.NewIterator(&payload))
}

// onTimer kills a session that has been silent past the session
// timeout; otherwise it volunteers an ACK, covering for lost
// requestAck fragments.
func (m *inboundMessage) onTimer() {
	if m.tr.now()-m.sess.lastActivity() > int64(m.tr.sessionTimeout) {
		m.sess.closeSession()
	} else {
		m.timer.arm(m.tr.retransmitTimeout)
		m.sendAck()
	}
}
