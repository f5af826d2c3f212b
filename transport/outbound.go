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
	"math"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ramstore/common/buffer"
	"github.com/cubefs/ramstore/metrics"
)

// ackedSentinel in sentTimes marks a fragment that never needs to be
// sent again.
const ackedSentinel = int64(math.MaxInt64)

// outboundMessage transmits one request or response reliably: it
// fragments the send Buffer, paces new fragments within the send
// window and the receiver's staging capacity, requests periodic ACKs
// and retransmits fragments whose ACK is overdue.
type outboundMessage struct {
	tr        *Transport
	sess      session
	channelID uint8

	// sendBuffer is a non-owning reference; nil while inactive.
	sendBuffer *buffer.Buffer

	// firstMissingFrag is the first fragment the receiver has not
	// cumulatively acknowledged; numAcked additionally counts
	// fragments acknowledged through the staging vector.
	firstMissingFrag   uint32
	totalFrags         uint32
	numAcked           uint32
	packetsSinceAckReq uint32

	// sentTimes covers [firstMissingFrag, firstMissingFrag +
	// maxStagingFragments]; see ackedSentinel.
	sentTimes timeWindow

	timer    timer
	useTimer bool
}

func (m *outboundMessage) setup(tr *Transport, sess session, channelID uint8, useTimer bool) {
	m.tr = tr
	m.sess = sess
	m.channelID = channelID
	m.sentTimes = newTimeWindow(maxStagingFragments + 1)
	m.timer = timer{tr: tr, fn: m.onTimer}
	m.reset()
	m.useTimer = useTimer
}

// reset marks the message inactive so beginSending can reuse it.
func (m *outboundMessage) reset() {
	m.sendBuffer = nil
	m.firstMissingFrag = 0
	m.totalFrags = 0
	m.packetsSinceAckReq = 0
	m.sentTimes.reset(0)
	m.numAcked = 0
	m.timer.stop()
}

// beginSending starts transmitting dataBuffer. The message must be
// inactive; starting over an active send is a programmer error.
func (m *outboundMessage) beginSending(dataBuffer *buffer.Buffer) {
	if m.sendBuffer != nil {
		panic("transport: beginSending on an active outbound message")
	}
	m.sendBuffer = dataBuffer
	m.totalFrags = m.tr.numFrags(dataBuffer)
	m.send()
}

// send transmits as much as the current state of the world permits.
// A timed-out fragment is retransmitted with an ACK request and blocks
// further sends until the next event; otherwise fresh fragments flow
// up to the send window, with every reqAckAfter-th one requesting an
// ACK. Finally the retransmit timer is armed for the oldest
// outstanding fragment.
func (m *outboundMessage) send() {
	now := m.tr.now()
	timeout := int64(m.tr.retransmitTimeout)

	stop := m.totalFrags
	if limit := m.numAcked + windowSize; limit < stop {
		stop = limit
	}
	if limit := m.firstMissingFrag + maxStagingFragments + 1; limit < stop {
		stop = limit
	}

	for frag := m.firstMissingFrag; frag < stop; frag++ {
		sentTime := m.sentTimes.get(frag)
		if sentTime == ackedSentinel || (sentTime != 0 && sentTime+timeout > now) {
			continue
		}
		isRetransmit := sentTime != 0
		requestAck := isRetransmit ||
			(m.packetsSinceAckReq == reqAckAfter-1 && frag != m.totalFrags-1)
		m.sendOneData(frag, requestAck)
		m.sentTimes.set(frag, now)
		if isRetransmit {
			metrics.Retransmits.Inc()
			break
		}
	}

	if m.useTimer {
		oldest := ackedSentinel
		for frag := m.firstMissingFrag; frag < stop; frag++ {
			sentTime := m.sentTimes.get(frag)
			if sentTime == 0 {
				break
			}
			if sentTime != ackedSentinel && sentTime < oldest {
				oldest = sentTime
			}
		}
		if oldest != ackedSentinel {
			wait := oldest + timeout - now
			if wait < 0 {
				wait = 0
			}
			m.timer.arm(time.Duration(wait))
		}
	}
}

// processReceivedAck advances the window from an AckResponse and tries
// to send more. Returns whether the whole message has been
// acknowledged.
func (m *outboundMessage) processReceivedAck(received *Received) bool {
	if m.sendBuffer == nil {
		return false
	}
	ack, ok := decodeAckResponse(received.Payload[headerSize:])
	if !ok {
		log.Warnf("ACK packet too short (%d bytes)", received.Len())
		return false
	}

	ackFirstMissing := uint32(ack.firstMissingFrag)
	switch {
	case ackFirstMissing < m.firstMissingFrag:
		log.Warnf("stale ACK (ack firstMissingFrag %d, firstMissingFrag %d)",
			ackFirstMissing, m.firstMissingFrag)
	case ackFirstMissing > m.totalFrags:
		log.Warnf("invalid ACK (firstMissingFrag %d > totalFrags %d)",
			ackFirstMissing, m.totalFrags)
	case ackFirstMissing > m.firstMissingFrag+m.sentTimes.length():
		log.Warnf("invalid ACK (firstMissingFrag %d beyond end of window %d)",
			ackFirstMissing, m.firstMissingFrag+m.sentTimes.length())
	default:
		m.sentTimes.advance(ackFirstMissing - m.firstMissingFrag)
		m.firstMissingFrag = ackFirstMissing
		m.numAcked = ackFirstMissing
		for i := uint32(0); i < m.sentTimes.length()-1; i++ {
			if ack.stagingVector>>i&1 != 0 {
				m.sentTimes.set(m.firstMissingFrag+i+1, ackedSentinel)
				m.numAcked++
			}
		}
	}
	m.send()
	return m.firstMissingFrag == m.totalFrags
}

// sendOneData emits a single data fragment drawn from sendBuffer.
func (m *outboundMessage) sendOneData(frag uint32, requestAck bool) {
	var h header
	m.sess.fillHeader(&h, m.channelID)
	h.fragNumber = uint16(frag)
	h.totalFrags = uint16(m.totalFrags)
	h.requestAck = requestAck
	h.payloadType = payloadData

	perFragment := m.tr.dataPerFragment()
	iter := buffer.NewSubIterator(m.sendBuffer, int(frag)*perFragment, perFragment)
	m.tr.sendPacket(m.sess.getAddress(), &h, iter)

	if requestAck {
		m.packetsSinceAckReq = 0
	} else {
		m.packetsSinceAckReq++
	}
}

// onTimer aborts a session silent past the session timeout, otherwise
// retransmits whatever is overdue.
func (m *outboundMessage) onTimer() {
	if m.tr.now()-m.sess.lastActivity() > int64(m.tr.sessionTimeout) {
		log.Debugf("closing session due to timeout")
		m.sess.closeSession()
	} else {
		m.send()
	}
}
