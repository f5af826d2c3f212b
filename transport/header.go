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
	"encoding/binary"
	"fmt"
)

// Every datagram begins with a fixed little-endian header (26 bytes,
// no padding):
//
//	offset  0: sessionToken      (uint64)
//	offset  8: rpcID             (uint32)
//	offset 12: clientSessionHint (uint32)
//	offset 16: serverSessionHint (uint32)
//	offset 20: fragNumber        (uint16)
//	offset 22: totalFrags        (uint16)
//	offset 24: channelID         (uint8)
//	offset 25: flags             (uint8)
//
// flags: bit0 direction, bit1 requestAck, bit2 pleaseDrop,
// bits 4-7 payloadType.
const headerSize = 26

type payloadType uint8

const (
	payloadData        payloadType = 0
	payloadAck         payloadType = 1
	payloadSessionOpen payloadType = 2
	payloadBadSession  payloadType = 4
)

type direction uint8

const (
	clientToServer direction = 0
	serverToClient direction = 1
)

const (
	flagDirection  = 1 << 0
	flagRequestAck = 1 << 1
	flagPleaseDrop = 1 << 2
)

// invalidToken marks a session that has not completed its open
// handshake; it never authenticates a packet.
const invalidToken = uint64(0)

// invalidHint is out of range for any session table.
const invalidHint = ^uint32(0)

type header struct {
	sessionToken      uint64
	rpcID             uint32
	clientSessionHint uint32
	serverSessionHint uint32
	fragNumber        uint16
	totalFrags        uint16
	channelID         uint8
	direction         direction
	requestAck        bool
	pleaseDrop        bool
	payloadType       payloadType
}

func (h *header) encode(b []byte) {
	_ = b[headerSize-1]
	binary.LittleEndian.PutUint64(b[0:], h.sessionToken)
	binary.LittleEndian.PutUint32(b[8:], h.rpcID)
	binary.LittleEndian.PutUint32(b[12:], h.clientSessionHint)
	binary.LittleEndian.PutUint32(b[16:], h.serverSessionHint)
	binary.LittleEndian.PutUint16(b[20:], h.fragNumber)
	binary.LittleEndian.PutUint16(b[22:], h.totalFrags)
	b[24] = h.channelID
	flags := uint8(h.direction) & flagDirection
	if h.requestAck {
		flags |= flagRequestAck
	}
	if h.pleaseDrop {
		flags |= flagPleaseDrop
	}
	flags |= uint8(h.payloadType) << 4
	b[25] = flags
}

func decodeHeader(b []byte) (h header, ok bool) {
	if len(b) < headerSize {
		return h, false
	}
	h.sessionToken = binary.LittleEndian.Uint64(b[0:])
	h.rpcID = binary.LittleEndian.Uint32(b[8:])
	h.clientSessionHint = binary.LittleEndian.Uint32(b[12:])
	h.serverSessionHint = binary.LittleEndian.Uint32(b[16:])
	h.fragNumber = binary.LittleEndian.Uint16(b[20:])
	h.totalFrags = binary.LittleEndian.Uint16(b[22:])
	h.channelID = b[24]
	flags := b[25]
	h.direction = direction(flags & flagDirection)
	h.requestAck = flags&flagRequestAck != 0
	h.pleaseDrop = flags&flagPleaseDrop != 0
	h.payloadType = payloadType(flags >> 4)
	return h, true
}

func (h *header) String() string {
	return fmt.Sprintf("{token:%x rpcId:%d clientHint:%x serverHint:%x %d/%d frags channel:%d dir:%d reqACK:%t drop:%t payloadType:%d}",
		h.sessionToken, h.rpcID, h.clientSessionHint, h.serverSessionHint,
		h.fragNumber, h.totalFrags, h.channelID, h.direction, h.requestAck,
		h.pleaseDrop, h.payloadType)
}

// ackResponse is the body of an ACK packet. Bit i of stagingVector
// reports whether fragment firstMissingFrag+1+i has been staged.
const ackResponseSize = 6

type ackResponse struct {
	firstMissingFrag uint16
	stagingVector    uint32
}

func (a *ackResponse) encode(b []byte) {
	_ = b[ackResponseSize-1]
	binary.LittleEndian.PutUint16(b[0:], a.firstMissingFrag)
	binary.LittleEndian.PutUint32(b[2:], a.stagingVector)
}

func decodeAckResponse(b []byte) (a ackResponse, ok bool) {
	if len(b) < ackResponseSize {
		return a, false
	}
	a.firstMissingFrag = binary.LittleEndian.Uint16(b[0:])
	a.stagingVector = binary.LittleEndian.Uint32(b[2:])
	return a, true
}

// sessionOpenResponse is the body of a server's SESSION_OPEN reply.
const sessionOpenResponseSize = 1

type sessionOpenResponse struct {
	numChannels uint8
}
