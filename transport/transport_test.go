package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/ramstore/common/buffer"
	apierrors "github.com/cubefs/ramstore/errors"
)

// testCluster is a client and a server transport joined by an
// in-memory network under a mock clock.
type testCluster struct {
	clk    *clock.Mock
	net    *mockNetwork
	client *Transport
	server *Transport
	cdrv   *mockDriver
	sdrv   *mockDriver
}

func newTestCluster(t *testing.T, maxPacketSize int) *testCluster {
	clk := clock.NewMock()
	// Keep the clock away from zero: a zero timestamp means "never
	// sent" in the outbound window.
	clk.Add(time.Hour)
	net := newMockNetwork()
	c := &testCluster{
		clk:  clk,
		net:  net,
		cdrv: net.driver("mock://client", maxPacketSize),
		sdrv: net.driver("mock://server", maxPacketSize),
	}
	cfg := Config{Clock: clk}
	clientCfg, serverCfg := cfg, cfg
	c.client = New(c.cdrv, &clientCfg)
	c.server = New(c.sdrv, &serverCfg)
	return c
}

// pump polls both ends until neither makes progress.
func (c *testCluster) pump() {
	for {
		a := c.client.Poll()
		b := c.server.Poll()
		if !a && !b {
			return
		}
	}
}

// serveOne expects exactly one ready RPC, passes it to handler and
// sends the reply.
func (c *testCluster) serveOne(t *testing.T, handler func(rpc *ServerRpc)) {
	rpc := c.server.ServerRecv()
	require.NotNil(t, rpc)
	handler(rpc)
	rpc.SendReply()
	c.pump()
}

func (c *testCluster) session(t *testing.T) *ClientSession {
	session, err := c.client.GetSession("mock://server")
	require.NoError(t, err)
	return session
}

func requestOf(data []byte) *buffer.Buffer {
	b := &buffer.Buffer{}
	b.Append(data)
	return b
}

func TestTransport_SingleFragmentRoundTrip(t *testing.T) {
	c := newTestCluster(t, 1500+headerSize)
	session := c.session(t)
	defer session.Release()

	response := &buffer.Buffer{}
	rpc := session.Send(requestOf([]byte("ping")), response)
	c.pump()

	c.serveOne(t, func(rpc *ServerRpc) {
		require.Equal(t, []byte("ping"), rpc.RecvPayload().GetRange(0, 4))
		rpc.ReplyPayload().Append([]byte("pong"))
	})

	require.True(t, rpc.IsReady())
	require.NoError(t, rpc.Wait())
	require.Equal(t, []byte("pong"), response.GetRange(0, response.TotalLength()))

	// One DATA packet each way, no ACKs.
	require.Equal(t, 1, c.cdrv.countSent(payloadData))
	require.Equal(t, 1, c.sdrv.countSent(payloadData))
	require.Equal(t, 0, c.cdrv.countSent(payloadAck))
	require.Equal(t, 0, c.sdrv.countSent(payloadAck))
}

func TestTransport_MultiFragmentExactCount(t *testing.T) {
	c := newTestCluster(t, 1000+headerSize)
	session := c.session(t)
	defer session.Release()

	request := requestOf(bytes.Repeat([]byte("a"), 10000))
	response := &buffer.Buffer{}
	rpc := session.Send(request, response)
	c.pump()

	// ceil(10000/1000) DATA packets, no retransmits without loss.
	require.Equal(t, 10, c.cdrv.countSent(payloadData))

	// The sender asks for an ACK at least once per reqAckAfter data
	// packets.
	acksRequested := 0
	for _, p := range c.cdrv.sent {
		if p.header.payloadType == payloadData && p.header.requestAck {
			acksRequested++
		}
	}
	require.GreaterOrEqual(t, acksRequested, 1)

	c.serveOne(t, func(rpc *ServerRpc) {
		require.Equal(t, 10000, rpc.RecvPayload().TotalLength())
		rpc.ReplyPayload().Append([]byte("ok"))
	})
	require.NoError(t, rpc.Wait())
}

func TestTransport_DroppedFragmentRetransmit(t *testing.T) {
	c := newTestCluster(t, 1000+headerSize)
	session := c.session(t)
	defer session.Release()

	// Drop the first transmission of request fragment 4.
	dropped := false
	c.sdrv.drop = func(h header) bool {
		if h.payloadType == payloadData && h.fragNumber == 4 && !dropped {
			dropped = true
			return true
		}
		return false
	}

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	response := &buffer.Buffer{}
	rpc := session.Send(requestOf(payload), response)
	c.pump()
	require.True(t, dropped)
	require.Nil(t, c.server.ServerRecv())

	// The receiver staged fragments 5..9 behind the hole.
	serverSession := c.server.serverSessions.at(0).(*ServerSession)
	inbound := &serverSession.channels[0].inboundMsg
	require.Equal(t, uint32(4), inbound.firstMissingFrag)

	// One retransmit timeout: the sender re-paces, the hole is
	// repaired via the ACK exchange and the request completes.
	for i := 0; i < 10; i++ {
		c.clk.Add(c.client.retransmitTimeout)
		c.pump()
		if len(c.server.serverReadyQueue) > 0 {
			break
		}
	}

	// The ACK that repaired the hole reported the staging vector for
	// fragments 5..9.
	sawRepairAck := false
	for _, p := range c.sdrv.sent {
		if p.header.payloadType != payloadAck {
			continue
		}
		if ack, ok := decodeAckResponse(p.body); ok &&
			ack.firstMissingFrag == 4 && ack.stagingVector == 0b11111 {
			sawRepairAck = true
		}
	}
	require.True(t, sawRepairAck)
	require.Greater(t, c.cdrv.countSent(payloadData), 10)

	c.serveOne(t, func(rpc *ServerRpc) {
		require.Equal(t, payload, rpc.RecvPayload().GetRange(0, 10000))
		rpc.ReplyPayload().Append([]byte("ok"))
	})
	require.NoError(t, rpc.Wait())
	require.Equal(t, uint32(10), inbound.firstMissingFrag)
}

func TestTransport_WindowBound(t *testing.T) {
	// Black-hole server: nothing is ever acknowledged, so no more
	// than windowSize fragments may leave the sender.
	clk := clock.NewMock()
	clk.Add(time.Hour)
	net := newMockNetwork()
	cdrv := net.driver("mock://client", 100+headerSize)
	client := New(cdrv, &Config{Clock: clk})

	session, err := client.GetSession("mock://blackhole")
	require.NoError(t, err)
	defer session.Release()

	response := &buffer.Buffer{}
	session.Send(requestOf(make([]byte, 100*40)), response)
	client.Poll()

	// The open handshake never completes, so nothing is sent yet;
	// force the channels open to observe pure window pacing.
	session.processSessionOpenResponse(
		&header{serverSessionHint: 7, sessionToken: 99, payloadType: payloadSessionOpen},
		&Received{Payload: append(make([]byte, headerSize), numChannelsPerSession)})

	require.Equal(t, windowSize, cdrv.countSent(payloadData))

	// Retransmit timers must not grow the in-flight set either.
	clk.Add(client.retransmitTimeout)
	client.Poll()
	outbound := &session.channels[0].outboundMsg
	inFlight := 0
	for frag := outbound.firstMissingFrag; frag < outbound.totalFrags; frag++ {
		if frag >= outbound.firstMissingFrag+outbound.sentTimes.length() {
			break
		}
		if st := outbound.sentTimes.get(frag); st != 0 && st != ackedSentinel {
			inFlight++
		}
	}
	require.LessOrEqual(t, inFlight, windowSize)
}

func TestTransport_StaleSessionRecovery(t *testing.T) {
	c := newTestCluster(t, 1500+headerSize)
	session := c.session(t)
	defer session.Release()

	response := &buffer.Buffer{}
	rpc := session.Send(requestOf([]byte("one")), response)
	c.pump()
	c.serveOne(t, func(rpc *ServerRpc) {
		rpc.ReplyPayload().Append([]byte("ack1"))
	})
	require.NoError(t, rpc.Wait())

	// The server forgets every session (as if it restarted).
	c.server.serverSessions.clear()

	response2 := &buffer.Buffer{}
	rpc2 := session.Send(requestOf([]byte("two")), response2)
	c.pump()

	// BAD_SESSION came back, the client redid the handshake and the
	// RPC went out again on the new session.
	require.GreaterOrEqual(t, c.sdrv.countSent(payloadBadSession), 1)
	c.serveOne(t, func(rpc *ServerRpc) {
		require.Equal(t, []byte("two"), rpc.RecvPayload().GetRange(0, 3))
		rpc.ReplyPayload().Append([]byte("ack2"))
	})
	require.NoError(t, rpc2.Wait())
	require.Equal(t, []byte("ack2"), response2.GetRange(0, 4))
}

func TestTransport_DuplicateFinalDataWhileReplying(t *testing.T) {
	c := newTestCluster(t, 1500+headerSize)
	session := c.session(t)
	defer session.Release()

	// Swallow every reply fragment for now so the client keeps
	// believing its request got lost.
	blockReplies := true
	c.cdrv.drop = func(h header) bool {
		return blockReplies && h.payloadType == payloadData
	}

	response := &buffer.Buffer{}
	rpc := session.Send(requestOf([]byte("req")), response)
	c.pump()

	serverSession := c.server.serverSessions.at(0).(*ServerSession)
	channel := &serverSession.channels[0]

	srpc := c.server.ServerRecv()
	require.NotNil(t, srpc)
	require.Equal(t, serverChannelProcessing, channel.state)
	srpc.ReplyPayload().Append([]byte("rep"))
	srpc.SendReply()
	c.pump()
	require.Equal(t, serverChannelSendingWaiting, channel.state)
	replyAttempts := c.sdrv.countSent(payloadData)

	// The client times out and retransmits the final request DATA.
	// The server must not regress state or re-queue the RPC; it only
	// re-kicks its reply.
	c.clk.Add(c.client.retransmitTimeout)
	c.pump()
	require.Equal(t, serverChannelSendingWaiting, channel.state)
	require.Nil(t, c.server.ServerRecv())
	require.Greater(t, c.sdrv.countSent(payloadData), replyAttempts)

	// Let the reply through; the duplicate storm resolves itself.
	blockReplies = false
	for i := 0; i < 10 && !rpc.IsReady(); i++ {
		c.clk.Add(c.client.retransmitTimeout)
		c.pump()
	}
	require.NoError(t, rpc.Wait())
	require.Equal(t, []byte("rep"), response.GetRange(0, 3))
}

func TestTransport_SessionTimeoutAbortsWaiters(t *testing.T) {
	// No server exists at all; the open handshake retries until the
	// session timeout, then every queued RPC aborts.
	clk := clock.NewMock()
	clk.Add(time.Hour)
	net := newMockNetwork()
	cdrv := net.driver("mock://client", 1500)
	client := New(cdrv, &Config{Clock: clk})

	session, err := client.GetSession("mock://nowhere")
	require.NoError(t, err)
	defer session.Release()

	response := &buffer.Buffer{}
	rpc := session.Send(requestOf([]byte("hello")), response)
	rpc2 := session.Send(requestOf([]byte("world")), response)

	deadline := clk.Now().Add(client.sessionTimeout + time.Second)
	for clk.Now().Before(deadline) {
		clk.Add(client.retransmitTimeout)
		client.Poll()
	}

	require.True(t, rpc.IsReady())
	require.ErrorIs(t, rpc.Wait(), apierrors.ErrRPCAborted)
	require.ErrorIs(t, rpc2.Wait(), apierrors.ErrRPCAborted)

	// Once the caller lets go, the slot is reclaimable.
	session.Release()
	require.True(t, session.expire())
}

func TestTransport_ChannelMultiplexing(t *testing.T) {
	c := newTestCluster(t, 1500+headerSize)
	session := c.session(t)
	defer session.Release()

	const n = 12 // more than the channel count, some must queue
	responses := make([]*buffer.Buffer, n)
	rpcs := make([]*ClientRpc, n)
	for i := 0; i < n; i++ {
		responses[i] = &buffer.Buffer{}
		req := &buffer.Buffer{}
		req.AppendCopy([]byte{byte(i)})
		rpcs[i] = session.Send(req, responses[i])
	}
	c.pump()

	for served := 0; served < n; {
		rpc := c.server.ServerRecv()
		if rpc == nil {
			c.pump()
			continue
		}
		echo := rpc.RecvPayload().GetRange(0, 1)
		rpc.ReplyPayload().AppendCopy(echo)
		rpc.SendReply()
		served++
		c.pump()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, rpcs[i].Wait())
		require.Equal(t, []byte{byte(i)}, responses[i].GetRange(0, 1))
	}
}

func TestTransport_BadTokenGetsBadSession(t *testing.T) {
	c := newTestCluster(t, 1500+headerSize)
	session := c.session(t)
	defer session.Release()

	response := &buffer.Buffer{}
	rpc := session.Send(requestOf([]byte("x")), response)
	c.pump()
	c.serveOne(t, func(rpc *ServerRpc) { rpc.ReplyPayload().Append([]byte("y")) })
	require.NoError(t, rpc.Wait())

	// Inject a packet with the right hint but the wrong token.
	h := header{
		sessionToken:      session.token + 1,
		serverSessionHint: 0,
		clientSessionHint: session.id,
		rpcID:             1,
		direction:         clientToServer,
		payloadType:       payloadData,
		totalFrags:        1,
	}
	pkt := make([]byte, headerSize)
	h.encode(pkt)
	c.sdrv.queue = append(c.sdrv.queue, &Received{
		Sender: mockAddress("mock://client"), Driver: c.sdrv, Payload: pkt,
	})
	c.sdrv.outstanding++
	before := c.sdrv.countSent(payloadBadSession)
	c.pump()
	require.Equal(t, before+1, c.sdrv.countSent(payloadBadSession))
}

func TestTransport_PleaseDropIsHonored(t *testing.T) {
	c := newTestCluster(t, 1500+headerSize)

	h := header{pleaseDrop: true, direction: clientToServer, payloadType: payloadData}
	pkt := make([]byte, headerSize)
	h.encode(pkt)
	c.sdrv.queue = append(c.sdrv.queue, &Received{
		Sender: mockAddress("mock://client"), Driver: c.sdrv, Payload: pkt,
	})
	c.sdrv.outstanding++
	c.pump()
	// Dropped without any reply and without leaking the payload.
	require.Empty(t, c.sdrv.sent)
	require.Equal(t, 0, c.sdrv.outstanding)
}

func TestTransport_NoPayloadLeaks(t *testing.T) {
	c := newTestCluster(t, 1000+headerSize)
	session := c.session(t)
	defer session.Release()

	response := &buffer.Buffer{}
	rpc := session.Send(requestOf(bytes.Repeat([]byte("z"), 5000)), response)
	c.pump()
	c.serveOne(t, func(rpc *ServerRpc) {
		rpc.ReplyPayload().Append(bytes.Repeat([]byte("w"), 3000))
	})
	require.NoError(t, rpc.Wait())

	// Response chunks still hold stolen driver payloads; Reset must
	// hand every one of them back.
	response.Reset()
	require.Equal(t, 0, c.cdrv.outstanding)

	// The server side releases request payloads once the application
	// is done with the RPC (expiry path exercises the reset).
	c.server.serverSessions.clear()
	require.Equal(t, 0, c.sdrv.outstanding)
}
