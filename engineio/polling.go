package engineio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// pollingTransport realizes a session over request/response pairs. Outbound
// packets wait for a parked GET; inbound packets arrive on POSTs. At most
// one GET is parked and at most one POST is in flight at a time, anything
// else is a protocol violation that tears the session down.
type pollingTransport struct {
	baseTransport

	maxHTTPBufferSize int64
	compression       *CompressionOptions
	cookie            *http.Cookie
	// jsonp holds the j query value; non-empty selects the JSONP variant.
	jsonp string

	waiter     chan []*Packet // parked GET, nil when none
	pending    []*Packet      // outbound batch waiting for the next poll
	dataReq    bool           // POST currently being parsed
	sentCookie bool
}

func newPollingTransport(supportsBinary bool, jsonp string, opts *Options, cookie *http.Cookie, logger *zap.Logger) *pollingTransport {
	t := &pollingTransport{
		maxHTTPBufferSize: opts.MaxHTTPBufferSize,
		compression:       opts.HTTPCompression,
		cookie:            cookie,
		jsonp:             jsonp,
	}
	t.init(supportsBinary, logger)
	return t
}

func (t *pollingTransport) name() string          { return TransportPolling }
func (t *pollingTransport) supportsFraming() bool { return false }

// writable is true iff a parked GET is waiting for data.
func (t *pollingTransport) writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportOpen && t.waiter != nil
}

func (t *pollingTransport) send(packets []*Packet) {
	t.mu.Lock()
	if t.state != transportOpen || t.disc {
		t.mu.Unlock()
		return
	}
	if t.waiter != nil {
		w := t.waiter
		t.waiter = nil
		t.mu.Unlock()
		w <- packets
		t.emitDrain()
		return
	}
	t.pending = append(t.pending, packets...)
	t.mu.Unlock()
}

// close releases a parked GET with a close packet and fires the close signal
// exactly once.
func (t *pollingTransport) close() {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return
	}
	t.state = transportClosed
	t.waiter = nil
	close(t.closeCh)
	t.mu.Unlock()
	t.emitClose()
}

// onPollRequest parks the GET until a batch is flushed, the transport closes
// or the client goes away.
func (t *pollingTransport) onPollRequest(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.state != transportOpen {
		t.mu.Unlock()
		writeProtocolError(w, errBadRequest)
		return
	}
	if t.waiter != nil {
		t.mu.Unlock()
		writeProtocolError(w, errBadRequest)
		t.emitError(errPollOverlap)
		return
	}
	ch := make(chan []*Packet, 1)
	if len(t.pending) > 0 {
		ch <- t.pending
		t.pending = nil
	} else {
		t.waiter = ch
	}
	closeCh := t.closeCh
	t.mu.Unlock()

	// a parked GET makes the transport writable; kick the session so that
	// anything buffered while no poll was outstanding flushes now
	t.emitDrain()

	select {
	case packets := <-ch:
		t.writePayload(w, r, packets)
	case <-closeCh:
		// drain a batch that raced with the shutdown, then say goodbye
		select {
		case packets := <-ch:
			t.writePayload(w, r, append(packets, &Packet{Type: PacketClose}))
		default:
			t.writePayload(w, r, []*Packet{{Type: PacketClose}})
		}
	case <-r.Context().Done():
		t.mu.Lock()
		t.waiter = nil
		t.mu.Unlock()
		t.emitClose()
	}
}

// onDataRequest parses a POST carrying client packets and acknowledges it.
func (t *pollingTransport) onDataRequest(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.state != transportOpen {
		t.mu.Unlock()
		writeProtocolError(w, errBadRequest)
		return
	}
	if t.dataReq {
		t.mu.Unlock()
		writeProtocolError(w, errBadRequest)
		t.emitError(errPostOverlap)
		return
	}
	t.dataReq = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.dataReq = false
		t.mu.Unlock()
	}()

	body, err := t.readBody(w, r)
	if err != nil {
		t.logger.Warn("polling data request rejected", zap.Error(err))
		writeProtocolError(w, errBadRequest)
		t.emitPacket(&Packet{Type: packetParseError})
		return
	}
	packets := decodePayload(body)

	t.setPollHeaders(w.Header())
	if t.jsonp != "" {
		w.Header().Set("Content-Type", "text/javascript; charset=UTF-8")
		fmt.Fprintf(w, "___eio[%s](\"ok\");", t.jsonp)
	} else {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "ok")
	}

	for _, p := range packets {
		t.emitPacket(p)
	}
}

func (t *pollingTransport) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, t.maxHTTPBufferSize)
	if t.jsonp != "" {
		if err := r.ParseForm(); err != nil {
			return nil, errPayloadTooLarge
		}
		return []byte(r.PostForm.Get("d")), nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errPayloadTooLarge
	}
	return body, nil
}

func (t *pollingTransport) writePayload(w http.ResponseWriter, r *http.Request, packets []*Packet) {
	body := encodePayload(packets)
	h := w.Header()
	t.setPollHeaders(h)
	if t.jsonp != "" {
		h.Set("Content-Type", "text/javascript; charset=UTF-8")
		quoted, _ := json.Marshal(string(body))
		var b bytes.Buffer
		fmt.Fprintf(&b, "___eio[%s](\"", t.jsonp)
		b.Write(quoted[1 : len(quoted)-1])
		b.WriteString("\");")
		body = b.Bytes()
	} else {
		h.Set("Content-Type", "text/plain; charset=UTF-8")
	}
	if err := compressBody(w, r, body, t.compression); err != nil {
		t.emitError(err)
	}
}

func (t *pollingTransport) setPollHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	t.mu.Lock()
	cookie := t.cookie
	if t.sentCookie {
		cookie = nil
	}
	t.sentCookie = true
	t.mu.Unlock()
	if cookie != nil {
		h.Add("Set-Cookie", cookie.String())
	}
}
