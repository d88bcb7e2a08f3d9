package engineio

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTextPacket(t *testing.T, conn *websocket.Conn, p *Packet) {
	t.Helper()
	data, _ := encodePacket(p, false)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestUpgrade_PollingToWebsocket(t *testing.T) {
	srv, ts := newTestServer(t, DefaultOptions)
	sessCh := make(chan *Session, 1)
	srv.OnConnection(func(s *Session) { sessCh <- s })
	hs := handshakePolling(t, ts.URL)
	sess := <-sessCh

	upgradingCh := make(chan string, 1)
	upgradedCh := make(chan string, 1)
	sess.OnUpgrading(func(name string) { upgradingCh <- name })
	sess.OnUpgrade(func(name string) { upgradedCh <- name })

	// park a poll; the probe must force it to return with a noop
	noopCh := make(chan []*Packet, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/?EIO=3&transport=polling&sid=" + hs.SID)
		if err != nil {
			noopCh <- nil
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			noopCh <- nil
			return
		}
		noopCh <- decodePayload(body)
	}()
	time.Sleep(50 * time.Millisecond)

	conn := dialWebsocket(t, ts.URL, "&sid="+hs.SID)
	writeTextPacket(t, conn, &Packet{Type: PacketPing, Data: []byte("probe")})
	pong := readTextPacket(t, conn, time.Second)
	require.Equal(t, PacketPong, pong.Type)
	require.Equal(t, "probe", string(pong.Data))

	select {
	case name := <-upgradingCh:
		assert.Equal(t, TransportWebsocket, name)
	case <-time.After(time.Second):
		t.Fatal("upgrading observer not invoked")
	}

	select {
	case packets := <-noopCh:
		require.NotEmpty(t, packets)
		assert.Equal(t, PacketNoop, packets[0].Type)
	case <-time.After(time.Second):
		t.Fatal("parked poll not released by probe noop")
	}

	// a message accepted mid-upgrade must not be lost
	sess.Send([]byte("buffered"), nil, nil)

	writeTextPacket(t, conn, &Packet{Type: PacketUpgrade})
	select {
	case name := <-upgradedCh:
		assert.Equal(t, TransportWebsocket, name)
	case <-time.After(time.Second):
		t.Fatal("upgrade observer not invoked")
	}
	assert.True(t, sess.Upgraded())
	assert.Equal(t, TransportWebsocket, sess.TransportName())

	msg := readTextPacket(t, conn, time.Second)
	assert.Equal(t, PacketMessage, msg.Type)
	assert.Equal(t, "buffered", string(msg.Data))

	// the session keeps working on the new transport
	echoCh := make(chan string, 1)
	sess.OnMessage(func(data []byte) { echoCh <- string(data) })
	writeTextPacket(t, conn, &Packet{Type: PacketMessage, Data: []byte("post-upgrade")})
	select {
	case got := <-echoCh:
		assert.Equal(t, "post-upgrade", got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered after upgrade")
	}
}

func TestUpgrade_Timeout(t *testing.T) {
	opts := DefaultOptions
	opts.UpgradeTimeout = 100 * time.Millisecond
	srv, ts := newTestServer(t, opts)
	sessCh := make(chan *Session, 1)
	srv.OnConnection(func(s *Session) { sessCh <- s })
	hs := handshakePolling(t, ts.URL)
	sess := <-sessCh

	conn := dialWebsocket(t, ts.URL, "&sid="+hs.SID)
	writeTextPacket(t, conn, &Packet{Type: PacketPing, Data: []byte("probe")})
	pong := readTextPacket(t, conn, time.Second)
	require.Equal(t, PacketPong, pong.Type)

	// never send the upgrade packet: the candidate gets closed under us
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		p := decodePacket(data, mt == websocket.BinaryMessage)
		require.Equal(t, PacketClose, p.Type, "unexpected packet on candidate")
	}

	// the original polling session is still alive and serving
	assert.False(t, sess.Upgraded())
	assert.Equal(t, TransportPolling, sess.TransportName())
	sess.Send([]byte("still here"), nil, nil)
	packets := pollOnce(t, ts.URL+"/?EIO=3&transport=polling&sid="+hs.SID)
	require.NotEmpty(t, packets)
	var seen bool
	for _, p := range packets {
		if p.Type == PacketMessage && string(p.Data) == "still here" {
			seen = true
		}
	}
	assert.True(t, seen, "message lost after aborted upgrade")
}

func TestUpgrade_UnknownSIDRejected(t *testing.T) {
	_, ts := newTestServer(t, DefaultOptions)
	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL)+"/?EIO=3&transport=websocket&sid=no-such-session", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeUnknownSID, protocolErrorOf(t, resp).Code)
}

func TestUpgrade_SecondProbeRejected(t *testing.T) {
	_, ts := newTestServer(t, DefaultOptions)
	hs := handshakePolling(t, ts.URL)

	first := dialWebsocket(t, ts.URL, "&sid="+hs.SID)
	writeTextPacket(t, first, &Packet{Type: PacketPing, Data: []byte("probe")})
	pong := readTextPacket(t, first, time.Second)
	require.Equal(t, PacketPong, pong.Type)

	// while the first probe is outstanding a second candidate is refused
	second := dialWebsocket(t, ts.URL, "&sid="+hs.SID)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := second.ReadMessage()
		if err != nil {
			return // connection closed on us, as expected
		}
		p := decodePacket(data, mt == websocket.BinaryMessage)
		require.Equal(t, PacketClose, p.Type, "unexpected packet on rejected probe")
	}
}

func TestUpgrade_DisallowedByOptions(t *testing.T) {
	opts := DefaultOptions
	opts.AllowUpgrades = false
	_, ts := newTestServer(t, opts)

	packets := pollOnce(t, ts.URL+"/?EIO=3&transport=polling")
	require.NotEmpty(t, packets)
	var hs handshakeData
	require.NoError(t, json.Unmarshal(packets[0].Data, &hs))
	assert.Empty(t, hs.Upgrades)
}
