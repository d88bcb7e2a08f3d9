package engineio

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// websocketTransport wraps an already-upgraded framed connection. Each
// packet is encoded independently and written as one websocket message.
type websocketTransport struct {
	baseTransport

	conn              *websocket.Conn
	writeMu           sync.Mutex // gorilla allows a single concurrent writer
	writeTimeout      time.Duration
	perMessageDeflate *CompressionOptions

	wr bool // writable; flips false for the duration of a write
}

func newWebsocketTransport(conn *websocket.Conn, supportsBinary bool, opts *Options, logger *zap.Logger) *websocketTransport {
	t := &websocketTransport{
		conn:              conn,
		writeTimeout:      opts.WebsocketWriteTimeout,
		perMessageDeflate: opts.PerMessageDeflate,
		wr:                true,
	}
	t.init(supportsBinary, logger)
	return t
}

func (t *websocketTransport) name() string          { return TransportWebsocket }
func (t *websocketTransport) supportsFraming() bool { return true }

func (t *websocketTransport) writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportOpen && t.wr
}

// readLoop pumps frames off the connection until it dies. The caller starts
// it once the owning session has installed its handlers.
func (t *websocketTransport) readLoop() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emitError(err)
			}
			t.closeNow()
			return
		}
		switch mt {
		case websocket.TextMessage:
			t.emitPacket(decodePacket(data, false))
		case websocket.BinaryMessage:
			t.emitPacket(decodePacket(data, true))
		}
	}
}

// send encodes each packet as one message. A drain is signalled per packet,
// matching the per-packet completion callbacks of framed transports.
func (t *websocketTransport) send(packets []*Packet) {
	for _, p := range packets {
		t.mu.Lock()
		if t.state != transportOpen || t.disc {
			t.mu.Unlock()
			return
		}
		t.wr = false
		t.mu.Unlock()

		data, binary := encodePacket(p, t.binary)
		if err := t.writeMessage(data, binary, p.Compress); err != nil {
			t.emitError(err)
			t.closeNow()
			return
		}

		t.mu.Lock()
		t.wr = true
		t.mu.Unlock()
		t.emitDrain()
	}
}

func (t *websocketTransport) writeMessage(data []byte, binary, compress bool) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.perMessageDeflate != nil && len(data) < t.perMessageDeflate.Threshold {
		compress = false
	}
	t.conn.EnableWriteCompression(compress && t.perMessageDeflate != nil)
	if t.writeTimeout != 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(mt, data)
}

// close performs an orderly shutdown: a close packet is written best effort
// before the connection goes down.
func (t *websocketTransport) close() {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return
	}
	t.state = transportClosing
	t.mu.Unlock()

	data, _ := encodePacket(&Packet{Type: PacketClose}, false)
	if err := t.writeMessage(data, false, false); err != nil {
		t.logger.Debug("websocket close packet not delivered", zap.Error(err))
	}
	t.closeNow()
}

func (t *websocketTransport) closeNow() {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return
	}
	t.state = transportClosed
	close(t.closeCh)
	t.mu.Unlock()
	t.conn.Close()
	t.emitClose()
}
