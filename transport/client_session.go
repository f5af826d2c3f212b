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
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/ramstore/errors"
	"github.com/cubefs/ramstore/common/buffer"
	"github.com/cubefs/ramstore/metrics"
)

const (
	rpcInProgress = iota
	rpcCompleted
	rpcAborted
)

// pollIdleWait bounds how long Wait blocks in the driver when there is
// nothing to do.
const pollIdleWait = time.Millisecond

// ClientRpc tracks one request/response cycle from the client side.
type ClientRpc struct {
	tr *Transport

	requestBuffer  *buffer.Buffer
	responseBuffer *buffer.Buffer

	state int
}

// IsReady reports whether the RPC has completed or aborted.
func (r *ClientRpc) IsReady() bool { return r.state != rpcInProgress }

// Wait drives the transport until the RPC finishes. It returns nil on
// normal completion with the response Buffer filled, or ErrRPCAborted
// if the session was lost.
func (r *ClientRpc) Wait() error {
	for r.state == rpcInProgress {
		if !r.tr.Poll() {
			r.tr.driver.WaitRecv(pollIdleWait)
		}
	}
	if r.state == rpcAborted {
		return apierrors.ErrRPCAborted
	}
	return nil
}

func (r *ClientRpc) abort()    { r.state = rpcAborted }
func (r *ClientRpc) complete() { r.state = rpcCompleted }

const (
	clientChannelIdle = iota
	// Request transmitting; the first response packet moves the
	// channel to receiving.
	clientChannelSending
	clientChannelReceiving
)

// clientChannel is one concurrent RPC pipeline within a ClientSession.
type clientChannel struct {
	state int

	// rpcID of the active RPC; increments when an RPC completes.
	rpcID uint32

	currentRpc  *ClientRpc
	inboundMsg  inboundMessage
	outboundMsg outboundMessage
}

func (c *clientChannel) setup(tr *Transport, sess *ClientSession, channelID uint8) {
	c.state = clientChannelIdle
	c.rpcID = 0
	c.currentRpc = nil
	c.outboundMsg.setup(tr, sess, channelID, true)
	c.inboundMsg.setup(tr, sess, channelID, true)
}

// ClientSession manages RPCs to one server endpoint. It opens lazily
// on the first Send: a SESSION_OPEN exchange fetches the server's hint,
// token and channel count, after which queued RPCs drain onto idle
// channels.
type ClientSession struct {
	tr *Transport

	id       uint32
	nextFree uint32

	token            uint64
	lastActivityTime int64

	serverAddress     Address
	serverSessionHint uint32

	channels     []clientChannel
	channelQueue []*ClientRpc

	refs int

	// True while a SESSION_OPEN request is outstanding.
	sessionOpenInFlight bool

	// Retries the SESSION_OPEN exchange.
	timer timer
}

func newClientSession(tr *Transport, id uint32) *ClientSession {
	s := &ClientSession{
		tr:                tr,
		id:                id,
		nextFree:          nextFreeNone,
		token:             invalidToken,
		lastActivityTime:  tr.now(),
		serverSessionHint: invalidHint,
	}
	s.timer = timer{tr: tr, fn: s.onOpenTimer}
	return s
}

// Send starts an RPC carrying request and eventually filling response.
// The RPC runs immediately on an idle channel or queues until one
// frees up.
func (s *ClientSession) Send(request, response *buffer.Buffer) *ClientRpc {
	rpc := &ClientRpc{tr: s.tr, requestBuffer: request, responseBuffer: response}

	s.touch()
	if !s.isConnected() {
		s.connect()
		log.Debugf("queueing RPC")
		s.channelQueue = append(s.channelQueue, rpc)
	} else if channel := s.getAvailableChannel(); channel != nil {
		channel.state = clientChannelSending
		channel.currentRpc = rpc
		channel.outboundMsg.beginSending(rpc.requestBuffer)
	} else {
		log.Debugf("queueing RPC")
		s.channelQueue = append(s.channelQueue, rpc)
	}
	return rpc
}

// Release drops the caller's reference; an idle unreferenced session
// becomes reclaimable by the session table.
func (s *ClientSession) Release() {
	if s.refs > 0 {
		s.refs--
	}
	s.expire()
}

// init points a reused session slot at a new server.
func (s *ClientSession) init(locator string) error {
	addr, err := s.tr.driver.NewAddress(locator)
	if err != nil {
		return err
	}
	s.serverAddress = addr
	return nil
}

func (s *ClientSession) isConnected() bool { return len(s.channels) != 0 }

// connect issues a SESSION_OPEN request unless one is already in
// flight.
func (s *ClientSession) connect() {
	if !s.sessionOpenInFlight {
		s.sendSessionOpenRequest()
	}
}

func (s *ClientSession) sendSessionOpenRequest() {
	h := header{
		sessionToken:      s.token,
		clientSessionHint: s.id,
		serverSessionHint: s.serverSessionHint,
		direction:         clientToServer,
		payloadType:       payloadSessionOpen,
	}
	// Deliberately no touch here: retries must not count as progress,
	// or an unreachable server would keep the session alive forever.
	s.tr.sendPacket(s.serverAddress, &h, nil)
	s.sessionOpenInFlight = true
	s.timer.arm(s.tr.retransmitTimeout)
}

// closeSession aborts every ongoing and queued RPC and resets the
// session to a reusable state.
func (s *ClientSession) closeSession() {
	log.Debugf("closing session")
	for i := range s.channels {
		if s.channels[i].currentRpc != nil {
			s.channels[i].currentRpc.abort()
		}
	}
	for _, rpc := range s.channelQueue {
		rpc.abort()
	}
	s.channelQueue = nil
	s.resetChannels()
	s.serverSessionHint = invalidHint
	s.token = invalidToken
	s.sessionOpenInFlight = false
	s.timer.stop()
}

// processInboundPacket routes one server-to-client packet within this
// session. The dispatcher has already validated the token (or the
// packet is a SESSION_OPEN response).
func (s *ClientSession) processInboundPacket(h *header, received *Received) {
	s.touch()
	if int(h.channelID) >= len(s.channels) {
		if h.payloadType == payloadSessionOpen {
			s.processSessionOpenResponse(h, received)
		} else {
			log.Warnf("invalid channel id %d", h.channelID)
			metrics.PacketsDropped.Inc()
		}
		return
	}

	channel := &s.channels[h.channelID]
	if channel.rpcID != h.rpcID {
		log.Warnf("out-of-order packet (got rpcId %d, current rpcId %d)",
			h.rpcID, channel.rpcID)
		metrics.PacketsDropped.Inc()
		return
	}
	switch h.payloadType {
	case payloadData:
		s.processReceivedData(channel, h, received)
	case payloadAck:
		s.processReceivedAck(channel, received)
	case payloadBadSession:
		// The server no longer knows this session (perhaps it
		// rebooted). Requeue the in-flight RPCs and redo the
		// handshake.
		for i := range s.channels {
			if s.channels[i].currentRpc != nil {
				s.channelQueue = append(s.channelQueue, s.channels[i].currentRpc)
			}
		}
		s.resetChannels()
		s.serverSessionHint = invalidHint
		s.token = invalidToken
		s.connect()
	default:
		log.Warnf("bad payload type %d", h.payloadType)
		metrics.PacketsDropped.Inc()
	}
}

func (s *ClientSession) processReceivedAck(channel *clientChannel, received *Received) {
	if channel.state == clientChannelSending {
		channel.outboundMsg.processReceivedAck(received)
	}
}

func (s *ClientSession) processReceivedData(channel *clientChannel, h *header, received *Received) {
	if channel.state == clientChannelIdle {
		log.Warnf("packet arrived on idle channel (rpcId %d)", h.rpcID)
		metrics.PacketsDropped.Inc()
		return
	}
	// The first response packet means the server has the whole
	// request; drop the send state and start receiving.
	if channel.state == clientChannelSending {
		channel.outboundMsg.reset()
		channel.inboundMsg.init(uint32(h.totalFrags), channel.currentRpc.responseBuffer)
		channel.state = clientChannelReceiving
	}
	if !channel.inboundMsg.processReceivedData(h, received) {
		return
	}
	channel.currentRpc.complete()
	channel.rpcID++
	channel.outboundMsg.reset()
	channel.inboundMsg.reset()
	if len(s.channelQueue) == 0 {
		channel.state = clientChannelIdle
		channel.currentRpc = nil
	} else {
		rpc := s.channelQueue[0]
		s.channelQueue = s.channelQueue[1:]
		channel.state = clientChannelSending
		channel.currentRpc = rpc
		channel.outboundMsg.beginSending(rpc.requestBuffer)
	}
}

// processSessionOpenResponse adopts the server's hint, token and
// channel count, then drains queued RPCs onto the fresh channels.
func (s *ClientSession) processSessionOpenResponse(h *header, received *Received) {
	if len(s.channels) > 0 {
		return
	}
	if received.Len() < headerSize+sessionOpenResponseSize {
		log.Warnf("session open response too short (%d bytes)", received.Len())
		metrics.PacketsDropped.Inc()
		return
	}
	s.timer.stop()
	s.sessionOpenInFlight = false

	response := sessionOpenResponse{numChannels: received.Payload[headerSize]}
	s.serverSessionHint = h.serverSessionHint
	s.token = h.sessionToken
	numChannels := int(response.numChannels)
	if numChannels > maxNumChannelsPerSession {
		numChannels = maxNumChannelsPerSession
	}
	log.Debugf("session open response: numChannels: %d", numChannels)
	s.allocateChannels(numChannels)
	for i := 0; i < numChannels && len(s.channelQueue) > 0; i++ {
		rpc := s.channelQueue[0]
		s.channelQueue = s.channelQueue[1:]
		log.Debugf("assigned RPC to channel: %d", i)
		s.channels[i].state = clientChannelSending
		s.channels[i].currentRpc = rpc
		s.channels[i].outboundMsg.beginSending(rpc.requestBuffer)
	}
}

func (s *ClientSession) allocateChannels(n int) {
	s.channels = make([]clientChannel, n)
	for i := range s.channels {
		s.channels[i].setup(s.tr, s, uint8(i))
	}
}

// resetChannels tears every channel down to zero channels, stopping
// their timers and returning staged packet memory.
func (s *ClientSession) resetChannels() {
	for i := range s.channels {
		s.channels[i].currentRpc = nil
		s.channels[i].inboundMsg.reset()
		s.channels[i].outboundMsg.reset()
	}
	s.channels = nil
}

func (s *ClientSession) getAvailableChannel() *clientChannel {
	for i := range s.channels {
		if s.channels[i].state == clientChannelIdle {
			return &s.channels[i]
		}
	}
	return nil
}

// onOpenTimer retries the SESSION_OPEN exchange, giving up on the
// whole session once it has been silent past the session timeout.
func (s *ClientSession) onOpenTimer() {
	if s.tr.now()-s.lastActivityTime > int64(s.tr.sessionTimeout) {
		s.sessionOpenInFlight = false
		s.closeSession()
	} else {
		s.sendSessionOpenRequest()
	}
}

// fillHeader populates the routing fields for a packet on channelID.
func (s *ClientSession) fillHeader(h *header, channelID uint8) {
	h.rpcID = s.channels[channelID].rpcID
	h.channelID = channelID
	h.direction = clientToServer
	h.clientSessionHint = s.id
	h.serverSessionHint = s.serverSessionHint
	h.sessionToken = s.token
}

func (s *ClientSession) getAddress() Address { return s.serverAddress }

func (s *ClientSession) touch() { s.lastActivityTime = s.tr.now() }

// tableSession implementation.

func (s *ClientSession) sessionID() uint32    { return s.id }
func (s *ClientSession) getNextFree() uint32  { return s.nextFree }
func (s *ClientSession) setNextFree(v uint32) { s.nextFree = v }
func (s *ClientSession) lastActivity() int64  { return s.lastActivityTime }

// expire closes the session if nothing references or runs on it.
func (s *ClientSession) expire() bool {
	if s.refs > 0 {
		return false
	}
	for i := range s.channels {
		if s.channels[i].currentRpc != nil {
			return false
		}
	}
	if len(s.channelQueue) > 0 {
		return false
	}
	s.closeSession()
	return true
}
