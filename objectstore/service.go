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

package objectstore

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/ramstore/proto"
	"github.com/cubefs/ramstore/transport"
)

// serveIdleWait bounds how long one Serve iteration parks in the
// driver when there is no traffic.
const serveIdleWait = time.Millisecond

// Service answers object-store RPCs arriving on a transport. Serve,
// the transport and the store must all be driven from one goroutine.
type Service struct {
	store *Store
	tr    *transport.Transport
}

func NewService(store *Store, tr *transport.Transport) *Service {
	return &Service{store: store, tr: tr}
}

// Serve runs the dispatch loop until ctx is done: poll the transport,
// pick up completed requests, execute them and send the replies.
func (s *Service) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		idle := !s.tr.Poll()
		for {
			rpc := s.tr.ServerRecv()
			if rpc == nil {
				break
			}
			idle = false
			s.handleRPC(ctx, rpc)
		}
		if idle {
			s.tr.Driver().WaitRecv(serveIdleWait)
		}
	}
}

// HandlePending serves whatever requests are already complete without
// blocking. Useful for tests and embedded setups.
func (s *Service) HandlePending(ctx context.Context) int {
	handled := 0
	for {
		rpc := s.tr.ServerRecv()
		if rpc == nil {
			return handled
		}
		s.handleRPC(ctx, rpc)
		handled++
	}
}

func (s *Service) handleRPC(ctx context.Context, rpc *transport.ServerRpc) {
	span := trace.SpanFromContextSafe(ctx)

	request := rpc.RecvPayload()
	reply := rpc.ReplyPayload()

	h, err := proto.DecodeRequestHeader(request)
	if err != nil {
		span.Warnf("bad request of %d bytes", request.TotalLength())
		proto.PrependReplyStatus(reply, proto.StatusBadRequest)
		rpc.SendReply()
		return
	}

	switch h.Op {
	case proto.OpPing:
		// Echo whatever followed the header.
		echo := request.GetRange(proto.RequestHeaderSize,
			request.TotalLength()-proto.RequestHeaderSize)
		if echo != nil {
			reply.Append(echo)
		}
		proto.PrependReplyStatus(reply, proto.StatusOK)

	case proto.OpWrite:
		// The value bytes reference driver packet memory owned by the
		// request Buffer, so they are copied into the store.
		length := request.TotalLength() - proto.RequestHeaderSize
		value := make([]byte, length)
		request.CopyOut(proto.RequestHeaderSize, value)
		if err := s.store.Write(h.TableID, h.Key, value); err != nil {
			span.Warnf("write %d/%d failed: %s", h.TableID, h.Key, err)
			proto.PrependReplyStatus(reply, proto.StatusStoreFull)
		} else {
			proto.PrependReplyStatus(reply, proto.StatusOK)
		}

	case proto.OpRead:
		value, err := s.store.Read(h.TableID, h.Key)
		if err != nil {
			proto.PrependReplyStatus(reply, proto.StatusObjectDoesNotExist)
		} else {
			// Zero-copy: the reply chunk references the stored value
			// directly; the transport fragments it onto the wire.
			reply.Append(value)
			proto.PrependReplyStatus(reply, proto.StatusOK)
		}

	case proto.OpRemove:
		if err := s.store.Remove(h.TableID, h.Key); err != nil {
			proto.PrependReplyStatus(reply, proto.StatusObjectDoesNotExist)
		} else {
			proto.PrependReplyStatus(reply, proto.StatusOK)
		}

	default:
		span.Warnf("unknown op %d", h.Op)
		proto.PrependReplyStatus(reply, proto.StatusUnknownOp)
	}

	rpc.SendReply()
}
