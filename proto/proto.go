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

// Package proto defines the object-store RPC wire format carried in
// request and reply payloads over the transport.
package proto

import (
	"encoding/binary"

	apierrors "github.com/cubefs/ramstore/errors"
	"github.com/cubefs/ramstore/common/buffer"
)

type OpCode uint8

const (
	OpPing OpCode = iota + 1
	OpWrite
	OpRead
	OpRemove
)

type Status uint8

const (
	StatusOK Status = iota
	StatusObjectDoesNotExist
	StatusBadRequest
	StatusUnknownOp
	StatusStoreFull
)

// Err maps a reply status to a sentinel error, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusObjectDoesNotExist:
		return apierrors.ErrObjectDoesNotExist
	case StatusBadRequest:
		return apierrors.ErrBadRequest
	case StatusUnknownOp:
		return apierrors.ErrUnknownOp
	case StatusStoreFull:
		return apierrors.ErrStoreFull
	default:
		return apierrors.ErrBadReply
	}
}

// A request payload is a fixed little-endian prefix followed by the
// value bytes (writes only):
//
//	offset  0: op      (uint8)
//	offset  1: tableID (uint64)
//	offset  9: key     (uint64)
const RequestHeaderSize = 17

// A reply payload is one status byte followed by the value bytes
// (reads and pings only).
const ReplyHeaderSize = 1

// RequestHeader addresses one object.
type RequestHeader struct {
	Op      OpCode
	TableID uint64
	Key     uint64
}

// PrependRequestHeader writes h in front of whatever value bytes are
// already in b.
func PrependRequestHeader(b *buffer.Buffer, h *RequestHeader) {
	data := b.AllocPrepend(RequestHeaderSize)
	data[0] = byte(h.Op)
	binary.LittleEndian.PutUint64(data[1:], h.TableID)
	binary.LittleEndian.PutUint64(data[9:], h.Key)
}

// DecodeRequestHeader reads the request prefix from b.
func DecodeRequestHeader(b *buffer.Buffer) (h RequestHeader, err error) {
	data := b.GetRange(0, RequestHeaderSize)
	if data == nil {
		return h, apierrors.ErrBadRequest
	}
	h.Op = OpCode(data[0])
	h.TableID = binary.LittleEndian.Uint64(data[1:])
	h.Key = binary.LittleEndian.Uint64(data[9:])
	return h, nil
}

// PrependReplyStatus writes the status byte in front of the reply
// value.
func PrependReplyStatus(b *buffer.Buffer, status Status) {
	b.AllocPrepend(ReplyHeaderSize)[0] = byte(status)
}

// DecodeReply reads the status byte at the front of a reply payload.
// The value bytes, if any, follow at offset ReplyHeaderSize.
func DecodeReply(b *buffer.Buffer) (Status, error) {
	data := b.GetRange(0, ReplyHeaderSize)
	if data == nil {
		return 0, apierrors.ErrBadReply
	}
	return Status(data[0]), nil
}
