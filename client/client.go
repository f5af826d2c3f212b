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

// Package client wraps an object-store endpoint behind typed
// operations over the transport.
package client

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/ramstore/common/buffer"
	"github.com/cubefs/ramstore/proto"
	"github.com/cubefs/ramstore/transport"
)

type Config struct {
	// Address is the server's service locator, e.g. "udp://host:port".
	Address string `json:"address"`
}

// Client issues object-store RPCs on one session. It inherits the
// transport's threading model: one goroutine at a time.
type Client struct {
	tr      *transport.Transport
	session *transport.ClientSession
}

func NewClient(tr *transport.Transport, cfg *Config) (*Client, error) {
	session, err := tr.GetSession(cfg.Address)
	if err != nil {
		return nil, err
	}
	return &Client{tr: tr, session: session}, nil
}

// Ping round-trips payload through the server and returns the echo.
func (c *Client) Ping(ctx context.Context, payload []byte) ([]byte, error) {
	request := &buffer.Buffer{}
	if len(payload) > 0 {
		request.Append(payload)
	}
	reply, err := c.call(ctx, &proto.RequestHeader{Op: proto.OpPing}, request)
	if err != nil {
		return nil, err
	}
	echo := make([]byte, reply.TotalLength()-proto.ReplyHeaderSize)
	reply.CopyOut(proto.ReplyHeaderSize, echo)
	reply.Reset()
	return echo, nil
}

// Write stores value under (tableID, key).
func (c *Client) Write(ctx context.Context, tableID, key uint64, value []byte) error {
	request := &buffer.Buffer{}
	if len(value) > 0 {
		request.Append(value)
	}
	reply, err := c.call(ctx, &proto.RequestHeader{Op: proto.OpWrite, TableID: tableID, Key: key}, request)
	if err != nil {
		return err
	}
	reply.Reset()
	return nil
}

// Read fetches the value stored under (tableID, key).
func (c *Client) Read(ctx context.Context, tableID, key uint64) ([]byte, error) {
	reply, err := c.call(ctx, &proto.RequestHeader{Op: proto.OpRead, TableID: tableID, Key: key}, &buffer.Buffer{})
	if err != nil {
		return nil, err
	}
	value := make([]byte, reply.TotalLength()-proto.ReplyHeaderSize)
	reply.CopyOut(proto.ReplyHeaderSize, value)
	reply.Reset()
	return value, nil
}

// Remove deletes the object stored under (tableID, key).
func (c *Client) Remove(ctx context.Context, tableID, key uint64) error {
	reply, err := c.call(ctx, &proto.RequestHeader{Op: proto.OpRemove, TableID: tableID, Key: key}, &buffer.Buffer{})
	if err != nil {
		return err
	}
	reply.Reset()
	return nil
}

// Close releases the client's session.
func (c *Client) Close() {
	c.session.Release()
}

// call sends one RPC and waits for its reply, converting the reply
// status into an error. On success the caller owns the reply Buffer
// and must Reset it.
func (c *Client) call(ctx context.Context, h *proto.RequestHeader, request *buffer.Buffer) (*buffer.Buffer, error) {
	span := trace.SpanFromContextSafe(ctx)
	proto.PrependRequestHeader(request, h)

	response := &buffer.Buffer{}
	rpc := c.session.Send(request, response)
	if err := rpc.Wait(); err != nil {
		span.Errorf("rpc op %d failed: %s", h.Op, err)
		request.Reset()
		return nil, err
	}
	request.Reset()

	status, err := proto.DecodeReply(response)
	if err != nil {
		response.Reset()
		return nil, err
	}
	if err := status.Err(); err != nil {
		response.Reset()
		return nil, err
	}
	return response, nil
}
