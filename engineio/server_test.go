package engineio

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

// pollOnce GETs the polling endpoint and decodes the payload.
func pollOnce(t *testing.T, url string) []*Packet {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return decodePayload(body)
}

// postPackets POSTs an encoded payload to the polling endpoint.
func postPackets(t *testing.T, url string, packets ...*Packet) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "text/plain;charset=UTF-8",
		strings.NewReader(string(encodePayload(packets))))
	require.NoError(t, err)
	return resp
}

// handshakePolling performs the polling handshake and returns the open data.
func handshakePolling(t *testing.T, baseURL string) handshakeData {
	t.Helper()
	packets := pollOnce(t, baseURL+"/?EIO=3&transport=polling")
	require.NotEmpty(t, packets)
	require.Equal(t, PacketOpen, packets[0].Type)
	var hs handshakeData
	require.NoError(t, json.Unmarshal(packets[0].Data, &hs))
	require.NotEmpty(t, hs.SID)
	return hs
}

func protocolErrorOf(t *testing.T, resp *http.Response) ProtocolError {
	t.Helper()
	defer resp.Body.Close()
	var perr ProtocolError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&perr))
	return perr
}

func TestServer_HandshakePolling(t *testing.T) {
	srv, ts := newTestServer(t, DefaultOptions)
	connCh := make(chan *Session, 1)
	srv.OnConnection(func(s *Session) { connCh <- s })

	hs := handshakePolling(t, ts.URL)
	assert.Equal(t, []string{"websocket"}, hs.Upgrades)
	assert.Equal(t, int64(25000), hs.PingInterval)
	assert.Equal(t, int64(5000), hs.PingTimeout)
	assert.Equal(t, 1, srv.ClientsCount())

	select {
	case sess := <-connCh:
		assert.Equal(t, hs.SID, sess.ID())
		assert.Equal(t, TransportPolling, sess.TransportName())
		assert.False(t, sess.Upgraded())
		assert.NotEmpty(t, sess.RemoteAddr())
	case <-time.After(time.Second):
		t.Fatal("connection observer not invoked")
	}
}

func TestServer_UnknownSID(t *testing.T) {
	_, ts := newTestServer(t, DefaultOptions)
	resp, err := http.Get(ts.URL + "/?EIO=3&transport=polling&sid=does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	perr := protocolErrorOf(t, resp)
	assert.Equal(t, CodeUnknownSID, perr.Code)
	assert.Equal(t, "Session ID unknown", perr.Message)
}

func TestServer_BadHandshakeMethod(t *testing.T) {
	_, ts := newTestServer(t, DefaultOptions)
	resp, err := http.Post(ts.URL+"/?EIO=3&transport=polling", "text/plain", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeBadHandshakeMethod, protocolErrorOf(t, resp).Code)
}

func TestServer_UnknownTransport(t *testing.T) {
	_, ts := newTestServer(t, DefaultOptions)
	resp, err := http.Get(ts.URL + "/?EIO=3&transport=carrierpigeon")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeUnknownTransport, protocolErrorOf(t, resp).Code)
}

func TestServer_TransportMismatch(t *testing.T) {
	_, ts := newTestServer(t, DefaultOptions)
	hs := handshakePolling(t, ts.URL)
	// a plain GET naming websocket without an Upgrade header is no upgrade
	// request, so the transport must match the session's current one
	resp, err := http.Get(ts.URL + "/?EIO=3&transport=websocket&sid=" + hs.SID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeBadRequest, protocolErrorOf(t, resp).Code)
}

func TestServer_AllowRequestForbidden(t *testing.T) {
	opts := DefaultOptions
	opts.AllowRequest = func(r *http.Request) *ProtocolError {
		return errForbidden
	}
	_, ts := newTestServer(t, opts)
	resp, err := http.Get(ts.URL + "/?EIO=3&transport=polling")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeForbidden, protocolErrorOf(t, resp).Code)
}

func TestServer_ValidOrigin(t *testing.T) {
	assert.True(t, validOrigin(""))
	assert.True(t, validOrigin("http://example.com"))
	assert.True(t, validOrigin("http://ex\tample"))
	assert.True(t, validOrigin("http://\xc3\xa9xample"))
	assert.False(t, validOrigin("http://bad\x01origin"))
	assert.False(t, validOrigin("bad\x7forigin"))
	assert.False(t, validOrigin("bad\norigin"))
}

func TestServer_GenerateIDOverride(t *testing.T) {
	opts := DefaultOptions
	opts.GenerateID = func() string { return "fixed-id" }
	_, ts := newTestServer(t, opts)
	hs := handshakePolling(t, ts.URL)
	assert.Equal(t, "fixed-id", hs.SID)
}

func TestServer_CookieOnHandshake(t *testing.T) {
	opts := DefaultOptions
	opts.Cookie = &CookieOptions{}
	_, ts := newTestServer(t, opts)

	resp, err := http.Get(ts.URL + "/?EIO=3&transport=polling")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	packets := decodePayload(body)
	require.NotEmpty(t, packets)
	var hs handshakeData
	require.NoError(t, json.Unmarshal(packets[0].Data, &hs))

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "io", cookies[0].Name)
	assert.Equal(t, hs.SID, cookies[0].Value)
	assert.Equal(t, "/", cookies[0].Path)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
}

func TestServer_InitialPacket(t *testing.T) {
	opts := DefaultOptions
	opts.InitialPacket = []byte("welcome")
	_, ts := newTestServer(t, opts)
	packets := pollOnce(t, ts.URL+"/?EIO=3&transport=polling")
	require.Len(t, packets, 2)
	assert.Equal(t, PacketOpen, packets[0].Type)
	assert.Equal(t, PacketMessage, packets[1].Type)
	assert.Equal(t, "welcome", string(packets[1].Data))
}

func TestServer_CORSPreflight(t *testing.T) {
	opts := DefaultOptions
	opts.CORS = true
	_, ts := newTestServer(t, opts)

	req, err := http.NewRequest("OPTIONS", ts.URL+"/?EIO=3&transport=polling", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestServer_Close(t *testing.T) {
	srv, ts := newTestServer(t, DefaultOptions)
	closeCh := make(chan string, 1)
	srv.OnConnection(func(s *Session) {
		s.OnClose(func(reason string, err error) { closeCh <- reason })
	})
	handshakePolling(t, ts.URL)
	require.Equal(t, 1, srv.ClientsCount())

	srv.Close()
	select {
	case reason := <-closeCh:
		assert.Equal(t, ReasonServerClose, reason)
	case <-time.After(time.Second):
		t.Fatal("close observer not invoked")
	}
	assert.Equal(t, 0, srv.ClientsCount())

	resp, err := http.Get(ts.URL + "/?EIO=3&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
