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

// ServerRpc is one inbound RPC on a server channel: the accumulated
// request, the reply under construction, and the handle the
// application uses to send it.
type ServerRpc struct {
	recvPayload  buffer.Buffer
	replyPayload buffer.Buffer

	session   *ServerSession
	channelID uint8

	// True while sitting in the transport's ready queue.
	queued bool
}

// RecvPayload is the fully received request.
func (r *ServerRpc) RecvPayload() *buffer.Buffer { return &r.recvPayload }

// ReplyPayload is where the application builds the response.
func (r *ServerRpc) ReplyPayload() *buffer.Buffer { return &r.replyPayload }

// SendReply begins transmitting the reply payload.
func (r *ServerRpc) SendReply() {
	r.session.beginSending(r.channelID)
}

func (r *ServerRpc) setup(session *ServerSession, channelID uint8) {
	r.reset()
	r.session = session
	r.channelID = channelID
}

// reset returns the RPC to an unused state, dequeueing it if the
// application never picked it up.
func (r *ServerRpc) reset() {
	r.maybeDequeue()
	r.recvPayload.Reset()
	r.replyPayload.Reset()
	r.session = nil
	r.channelID = 0
}

func (r *ServerRpc) maybeDequeue() {
	if r.session == nil || !r.queued {
		return
	}
	queue := r.session.tr.serverReadyQueue
	for i := range queue {
		if queue[i] == r {
			r.session.tr.serverReadyQueue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	r.queued = false
}

const (
	// serverChannelIdle: no RPC in progress, either since the channel
	// was (re)initialized or since its last reply was fully acknowledged.
	serverChannelIdle = iota
	serverChannelReceiving
	// serverChannelProcessing: request complete, reply not started.
	serverChannelProcessing
	// serverChannelSendingWaiting: reply transmitting.
	serverChannelSendingWaiting
)

// invalidRPCID occupies a server channel's rpcID while idle; the first
// real RPC arrives as rpcID 0 == invalidRPCID+1.
const invalidRPCID = ^uint32(0)

type serverChannel struct {
	state int
	rpcID uint32

	currentRpc  ServerRpc
	inboundMsg  inboundMessage
	outboundMsg outboundMessage
}

func (c *serverChannel) setup(tr *Transport, sess *ServerSession, channelID uint8) {
	c.state = serverChannelIdle
	c.rpcID = invalidRPCID
	c.currentRpc.reset()
	c.inboundMsg.setup(tr, sess, channelID, false)
	c.outboundMsg.setup(tr, sess, channelID, false)
}

// ServerSession manages RPCs from one client endpoint. Timeout
// responsibility lives with the client; the server session is only
// reclaimed through table expiry.
type ServerSession struct {
	tr *Transport

	id       uint32
	nextFree uint32

	token            uint64
	lastActivityTime int64

	clientAddress     Address
	clientSessionHint uint32

	channels [numChannelsPerSession]serverChannel
}

func newServerSession(tr *Transport, id uint32) *ServerSession {
	s := &ServerSession{
		tr:                tr,
		id:                id,
		nextFree:          nextFreeNone,
		token:             invalidToken,
		lastActivityTime:  tr.now(),
		clientSessionHint: invalidHint,
	}
	for i := range s.channels {
		s.channels[i].setup(tr, s, uint8(i))
	}
	return s
}

// startSession binds this slot to a client and answers its
// SESSION_OPEN with a fresh token and the channel count.
func (s *ServerSession) startSession(clientAddress Address, clientSessionHint uint32) {
	s.clientAddress = clientAddress
	s.clientSessionHint = clientSessionHint
	s.token = newSessionToken()
	metrics.SessionsOpened.Inc()

	h := header{
		direction:         serverToClient,
		clientSessionHint: clientSessionHint,
		serverSessionHint: s.id,
		sessionToken:      s.token,
		payloadType:       payloadSessionOpen,
	}
	var payload buffer.Buffer
	payload.AllocAppend(sessionOpenResponseSize)[0] = numChannelsPerSession
	s.tr.sendPacket(s.clientAddress, &h, buffer.NewIterator(&payload))
	s.touch()
}

// beginSending moves a channel from processing to sending and starts
// the reply. The channel must be in the processing state.
func (s *ServerSession) beginSending(channelID uint8) {
	channel := &s.channels[channelID]
	if channel.state != serverChannelProcessing {
		panic("transport: sendReply on a channel that is not processing")
	}
	channel.state = serverChannelSendingWaiting
	channel.outboundMsg.beginSending(&channel.currentRpc.replyPayload)
	s.touch()
}

// processInboundPacket routes one client-to-server packet. A packet
// for rpcID+1 starts the channel's next RPC; anything older is stale.
func (s *ServerSession) processInboundPacket(h *header, received *Received) {
	s.touch()
	if int(h.channelID) >= len(s.channels) {
		log.Warnf("invalid channel id %d", h.channelID)
		metrics.PacketsDropped.Inc()
		return
	}

	channel := &s.channels[h.channelID]
	switch {
	case channel.rpcID == h.rpcID:
		switch h.payloadType {
		case payloadData:
			s.processReceivedData(channel, h, received)
		case payloadAck:
			s.processReceivedAck(channel, received)
		default:
			log.Warnf("current rpcId has bad packet type %d", h.payloadType)
			metrics.PacketsDropped.Inc()
		}
	case channel.rpcID+1 == h.rpcID:
		if h.payloadType != payloadData {
			log.Warnf("new rpcId has bad type %d", h.payloadType)
			metrics.PacketsDropped.Inc()
			return
		}
		channel.state = serverChannelReceiving
		channel.rpcID = h.rpcID
		channel.inboundMsg.reset()
		channel.outboundMsg.reset()
		channel.currentRpc.setup(s, h.channelID)
		channel.inboundMsg.init(uint32(h.totalFrags), &channel.currentRpc.recvPayload)
		s.processReceivedData(channel, h, received)
	default:
		log.Warnf("packet from old RPC (packet rpcId %d, channel rpcId %d)",
			h.rpcID, channel.rpcID)
		metrics.PacketsDropped.Inc()
	}
}

func (s *ServerSession) processReceivedAck(channel *serverChannel, received *Received) {
	if channel.state != serverChannelSendingWaiting {
		return
	}
	if channel.outboundMsg.processReceivedAck(received) {
		// Reply fully acknowledged; the channel is free for the next
		// RPC (which arrives as rpcID+1).
		channel.outboundMsg.reset()
		channel.inboundMsg.reset()
		channel.currentRpc.reset()
		channel.state = serverChannelIdle
	}
}

func (s *ServerSession) processReceivedData(channel *serverChannel, h *header, received *Received) {
	switch channel.state {
	case serverChannelIdle:
		log.Warnf("data packet arrived for idle channel")
		metrics.PacketsDropped.Inc()
	case serverChannelReceiving:
		if channel.inboundMsg.processReceivedData(h, received) {
			channel.currentRpc.queued = true
			s.tr.serverReadyQueue = append(s.tr.serverReadyQueue, &channel.currentRpc)
			channel.state = serverChannelProcessing
		}
	case serverChannelProcessing:
		// The client retransmitted because our ACK for its last
		// fragment was lost; resynchronize it.
		if h.requestAck {
			channel.inboundMsg.sendAck()
		}
	case serverChannelSendingWaiting:
		// A retransmit from a client that has not yet seen the first
		// reply fragment. Ignore it, but re-pace the reply in case
		// some of it is overdue.
		log.Debugf("extraneous packet header: %s", h)
		channel.outboundMsg.send()
	}
}

// closeSession is deliberately a no-op beyond logging: the client owns
// timeouts and server slots are reclaimed through table expiry.
func (s *ServerSession) closeSession() {
	log.Warnf("server session close should never be called")
}

func (s *ServerSession) fillHeader(h *header, channelID uint8) {
	h.rpcID = s.channels[channelID].rpcID
	h.channelID = channelID
	h.direction = serverToClient
	h.clientSessionHint = s.clientSessionHint
	h.serverSessionHint = s.id
	h.sessionToken = s.token
}

func (s *ServerSession) getAddress() Address { return s.clientAddress }

func (s *ServerSession) touch() { s.lastActivityTime = s.tr.now() }

// tableSession implementation.

func (s *ServerSession) sessionID() uint32    { return s.id }
func (s *ServerSession) getNextFree() uint32  { return s.nextFree }
func (s *ServerSession) setNextFree(v uint32) { s.nextFree = v }
func (s *ServerSession) lastActivity() int64  { return s.lastActivityTime }

// expire refuses while any request is being processed by the
// application, then resets every channel and unbinds the client.
func (s *ServerSession) expire() bool {
	for i := range s.channels {
		if s.channels[i].state == serverChannelProcessing {
			return false
		}
	}
	for i := range s.channels {
		if s.channels[i].state == serverChannelIdle {
			continue
		}
		s.channels[i].state = serverChannelIdle
		s.channels[i].rpcID = invalidRPCID
		s.channels[i].currentRpc.reset()
		s.channels[i].inboundMsg.reset()
		s.channels[i].outboundMsg.reset()
	}
	s.token = invalidToken
	s.clientSessionHint = invalidHint
	s.clientAddress = nil
	return true
}
