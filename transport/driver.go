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

	"github.com/cubefs/ramstore/common/buffer"
)

// Address is an opaque driver-specific endpoint. Two addresses refer to
// the same endpoint iff their String forms are equal.
type Address interface {
	String() string
}

// Driver is an unreliable datagram endpoint under the transport. A
// driver may lose, duplicate or reorder packets; the transport layers
// reliability on top.
//
// All methods except the internal receive path are called from the
// single goroutine driving the transport.
type Driver interface {
	// SendPacket transmits header followed by the payload iterator's
	// bytes as one datagram. It returns once the datagram has been
	// handed to the OS; it may still be lost. payload may be nil.
	SendPacket(addr Address, header []byte, payload *buffer.Iterator) error

	// Recv returns the next pending inbound packet, or nil if none is
	// queued. The caller must Release the payload unless it steals it.
	Recv() *Received

	// WaitRecv blocks until an inbound packet is pending or the
	// timeout elapses. It reports whether a packet is pending.
	WaitRecv(timeout time.Duration) bool

	// Release returns payload memory previously delivered in a
	// Received (and possibly stolen) to the driver.
	Release(payload []byte)

	// MaxPacketSize is the largest datagram, header included, that
	// SendPacket accepts.
	MaxPacketSize() int

	// NewAddress parses a service locator into a driver address.
	NewAddress(locator string) (Address, error)

	// ServiceLocator describes this endpoint so that a peer's
	// NewAddress can reach it.
	ServiceLocator() string

	Close() error
}

// Received wraps one inbound datagram. The payload memory belongs to
// the driver until stolen; the transport releases unstolen payloads
// after dispatch.
type Received struct {
	Sender  Address
	Driver  Driver
	Payload []byte

	stolen bool
}

// Steal transfers ownership of the payload memory to the caller, who
// must eventually hand it back via Driver.Release.
func (r *Received) Steal() []byte {
	r.stolen = true
	return r.Payload
}

// Len returns the datagram length in bytes.
func (r *Received) Len() int { return len(r.Payload) }
