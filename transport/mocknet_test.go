package transport

import (
	"time"

	"github.com/cubefs/ramstore/common/buffer"
)

// mockNetwork connects in-memory drivers by locator. SendPacket
// delivers synchronously into the destination's receive queue, subject
// to a per-destination drop filter.
type mockNetwork struct {
	drivers map[string]*mockDriver
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{drivers: map[string]*mockDriver{}}
}

func (n *mockNetwork) driver(locator string, maxPacketSize int) *mockDriver {
	d := &mockDriver{net: n, locator: locator, maxPacketSize: maxPacketSize}
	n.drivers[locator] = d
	return d
}

type mockAddress string

func (a mockAddress) String() string { return string(a) }

// sentPacket records one datagram for assertions.
type sentPacket struct {
	to     string
	header header
	body   []byte
}

type mockDriver struct {
	net           *mockNetwork
	locator       string
	maxPacketSize int

	queue []*Received

	// drop, if set on the *receiving* driver, discards matching
	// inbound packets before they are queued.
	drop func(h header) bool

	sent        []sentPacket
	outstanding int
	released    int
	closed      bool
}

func (d *mockDriver) SendPacket(addr Address, hdr []byte, payload *buffer.Iterator) error {
	pkt := make([]byte, 0, d.maxPacketSize)
	pkt = append(pkt, hdr...)
	if payload != nil {
		for ; !payload.Done(); payload.Next() {
			pkt = append(pkt, payload.Data()...)
		}
	}
	h, _ := decodeHeader(pkt)
	body := append([]byte{}, pkt[headerSize:]...)
	d.sent = append(d.sent, sentPacket{to: addr.String(), header: h, body: body})

	dest := d.net.drivers[addr.String()]
	if dest == nil {
		return nil
	}
	if dest.drop != nil && dest.drop(h) {
		return nil
	}
	dest.outstanding++
	dest.queue = append(dest.queue, &Received{
		Sender:  mockAddress(d.locator),
		Driver:  dest,
		Payload: pkt,
	})
	return nil
}

func (d *mockDriver) Recv() *Received {
	if len(d.queue) == 0 {
		return nil
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	return r
}

func (d *mockDriver) WaitRecv(time.Duration) bool { return len(d.queue) > 0 }

func (d *mockDriver) Release([]byte) {
	d.outstanding--
	d.released++
}

func (d *mockDriver) MaxPacketSize() int { return d.maxPacketSize }

func (d *mockDriver) NewAddress(locator string) (Address, error) {
	return mockAddress(locator), nil
}

func (d *mockDriver) ServiceLocator() string { return d.locator }

func (d *mockDriver) Close() error {
	d.closed = true
	return nil
}

// countSent tallies this driver's transmissions by payload type.
func (d *mockDriver) countSent(pt payloadType) int {
	n := 0
	for _, p := range d.sent {
		if p.header.payloadType == pt {
			n++
		}
	}
	return n
}
