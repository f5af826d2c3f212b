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

// Package udp provides the UDP datagram driver under the transport.
// Locators take the form "udp://host:port".
package udp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/ramstore/errors"
	"github.com/cubefs/ramstore/common/buffer"
	"github.com/cubefs/ramstore/transport"
	"github.com/cubefs/ramstore/util"
)

const locatorScheme = "udp://"

const (
	defaultMaxPacketSize = 1400
	defaultRecvQueueLen  = 1024
)

type Config struct {
	// BindAddr is the local "host:port" to listen on; port 0 picks an
	// ephemeral port.
	BindAddr string `json:"bind_addr"`

	MaxPacketSize int `json:"max_packet_size"`
	RecvQueueLen  int `json:"recv_queue_len"`
}

type address struct {
	udp *net.UDPAddr
}

func (a *address) String() string { return a.udp.String() }

// Driver is an unreliable datagram endpoint on a UDP socket. A reader
// goroutine moves packets from the socket into a queue drained by the
// transport's poll loop; packet buffers come from a byte pool and are
// returned on Release.
type Driver struct {
	cfg  Config
	conn *net.UDPConn

	recvQ chan *transport.Received
	// One packet popped from recvQ by WaitRecv but not yet consumed.
	peeked *transport.Received

	closeCh chan struct{}
}

func NewDriver(cfg *Config) (*Driver, error) {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = defaultMaxPacketSize
	}
	if cfg.RecvQueueLen <= 0 {
		cfg.RecvQueueLen = defaultRecvQueueLen
	}
	bindAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, errors.Info(err, "resolve bind address").Detail(err)
	}
	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, errors.Info(err, "listen udp").Detail(err)
	}
	d := &Driver{
		cfg:     *cfg,
		conn:    conn,
		recvQ:   make(chan *transport.Received, cfg.RecvQueueLen),
		closeCh: make(chan struct{}),
	}
	go d.readLoop()
	log.Infof("udp driver listening at %s", d.ServiceLocator())
	return d, nil
}

// readLoop pulls datagrams off the socket. When the receive queue is
// full the packet is dropped; the transport recovers through
// retransmission.
func (d *Driver) readLoop() {
	for {
		payload := util.GetBuffer(d.cfg.MaxPacketSize)
		n, sender, err := d.conn.ReadFromUDP(payload)
		if err != nil {
			util.PutBuffer(payload)
			select {
			case <-d.closeCh:
				return
			default:
			}
			log.Warnf("udp read failed: %s", err)
			continue
		}
		received := &transport.Received{
			Sender:  &address{udp: sender},
			Driver:  d,
			Payload: payload[:n],
		}
		select {
		case d.recvQ <- received:
		default:
			util.PutBuffer(payload)
			log.Warnf("receive queue full, dropping packet from %s", sender)
		}
	}
}

// SendPacket assembles header plus payload into one datagram and
// writes it to the socket.
func (d *Driver) SendPacket(addr transport.Address, header []byte, payload *buffer.Iterator) error {
	length := len(header)
	if payload != nil {
		length += payload.TotalLength()
	}
	if length > d.cfg.MaxPacketSize {
		return errors.New(fmt.Sprintf("packet length %d exceeds max %d", length, d.cfg.MaxPacketSize))
	}
	pkt := util.GetBuffer(length)[:0]
	defer util.PutBuffer(pkt[:cap(pkt)])
	pkt = append(pkt, header...)
	if payload != nil {
		for ; !payload.Done(); payload.Next() {
			pkt = append(pkt, payload.Data()...)
		}
	}
	if _, err := d.conn.WriteToUDP(pkt, addr.(*address).udp); err != nil {
		return errors.Info(apierrors.ErrDriverSend, err.Error())
	}
	return nil
}

// Recv returns the next pending packet without blocking.
func (d *Driver) Recv() *transport.Received {
	if r := d.peeked; r != nil {
		d.peeked = nil
		return r
	}
	select {
	case r := <-d.recvQ:
		return r
	default:
		return nil
	}
}

// WaitRecv parks until a packet is pending or the timeout elapses.
func (d *Driver) WaitRecv(timeout time.Duration) bool {
	if d.peeked != nil {
		return true
	}
	select {
	case r := <-d.recvQ:
		d.peeked = r
		return true
	case <-time.After(timeout):
		return false
	case <-d.closeCh:
		return false
	}
}

// Release returns packet memory to the byte pool.
func (d *Driver) Release(payload []byte) {
	util.PutBuffer(payload[:cap(payload)])
}

func (d *Driver) MaxPacketSize() int { return d.cfg.MaxPacketSize }

// NewAddress parses a "udp://host:port" locator.
func (d *Driver) NewAddress(locator string) (transport.Address, error) {
	if !strings.HasPrefix(locator, locatorScheme) {
		return nil, errors.Info(apierrors.ErrBadLocator, locator)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", strings.TrimPrefix(locator, locatorScheme))
	if err != nil {
		return nil, errors.Info(apierrors.ErrBadLocator, locator).Detail(err)
	}
	return &address{udp: udpAddr}, nil
}

// ServiceLocator names this endpoint, with any ephemeral port
// resolved.
func (d *Driver) ServiceLocator() string {
	return locatorScheme + d.conn.LocalAddr().String()
}

func (d *Driver) Close() error {
	close(d.closeCh)
	return d.conn.Close()
}
