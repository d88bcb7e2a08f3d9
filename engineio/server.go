package engineio

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server classifies inbound requests, owns the session table and performs
// handshakes. It is a plain http.Handler; mount it on the engine path
// prefix ("/engine.io/" by convention).
type Server struct {
	opts     Options
	logger   *zap.Logger
	upgrader *websocket.Upgrader

	sessionsMux  sync.Mutex
	sessions     map[string]*Session
	closed       bool
	connectionFn func(*Session)
}

// NewServer creates a server with normalized options.
func NewServer(opts Options) *Server {
	opts.normalize()
	upgrader := opts.WebsocketUpgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: opts.PerMessageDeflate != nil,
		}
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		upgrader: upgrader,
		sessions: make(map[string]*Session),
	}
}

// OnConnection registers the observer invoked for every freshly handshaken
// session, before any of its packets are processed.
func (srv *Server) OnConnection(fn func(*Session)) {
	srv.sessionsMux.Lock()
	srv.connectionFn = fn
	srv.sessionsMux.Unlock()
}

// ClientsCount reports the number of live sessions.
func (srv *Server) ClientsCount() int {
	srv.sessionsMux.Lock()
	defer srv.sessionsMux.Unlock()
	return len(srv.sessions)
}

// Attach mounts the server on mux under the given path prefix.
func (srv *Server) Attach(mux *http.ServeMux, path string) {
	mux.Handle(path, srv)
}

// Close force-closes every session with reason "server close" and rejects
// subsequent traffic.
func (srv *Server) Close() {
	srv.sessionsMux.Lock()
	srv.closed = true
	open := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		open = append(open, s)
	}
	srv.sessionsMux.Unlock()
	for _, s := range open {
		s.closeNow(ReasonServerClose, nil, true)
	}
}

func (srv *Server) session(id string) (*Session, bool) {
	srv.sessionsMux.Lock()
	defer srv.sessionsMux.Unlock()
	s, ok := srv.sessions[id]
	return s, ok
}

func (srv *Server) removeSession(id string) {
	srv.sessionsMux.Lock()
	delete(srv.sessions, id)
	srv.sessionsMux.Unlock()
}

// ServeHTTP is the request classifier: handshake, session polling traffic
// or websocket upgrade, in the order of §verify.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.sessionsMux.Lock()
	closed := srv.closed
	srv.sessionsMux.Unlock()
	if closed {
		writeProtocolError(w, errBadRequest)
		return
	}

	if srv.opts.CORS {
		setCORSHeaders(w.Header(), r)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET, POST")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	q := r.URL.Query()
	transportName := q.Get("transport")
	sid := q.Get("sid")
	wsUpgrade := transportName == TransportWebsocket && websocket.IsWebSocketUpgrade(r)

	if eio := q.Get("EIO"); eio != "" {
		srv.logger.Debug("engine request", zap.String("EIO", eio),
			zap.String("transport", transportName), zap.String("sid", sid))
	}

	if perr := srv.verify(r, transportName, sid, wsUpgrade); perr != nil {
		srv.logger.Warn("request rejected", zap.Int("code", perr.Code),
			zap.String("message", perr.Message))
		writeProtocolError(w, perr)
		return
	}

	if transportName == TransportWebsocket {
		srv.handleWebsocket(w, r, sid)
		return
	}

	if sid == "" {
		srv.handshakePolling(w, r)
		return
	}

	sess, ok := srv.session(sid)
	if !ok {
		writeProtocolError(w, errUnknownSID)
		return
	}
	sess.mux.Lock()
	pt, _ := sess.transport.(*pollingTransport)
	sess.mux.Unlock()
	if pt == nil {
		writeProtocolError(w, errBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		pt.onPollRequest(w, r)
	case http.MethodPost:
		pt.onDataRequest(w, r)
	default:
		writeProtocolError(w, errBadHandshakeMethod)
	}
}

// verify applies the admission rules in order: known transport, clean
// Origin, live sid with a matching transport, and GET-only handshakes.
func (srv *Server) verify(r *http.Request, transportName, sid string, upgrade bool) *ProtocolError {
	if !srv.opts.transportEnabled(transportName) {
		return errUnknownTransport
	}
	if origin := r.Header.Get("Origin"); !validOrigin(origin) {
		return errBadRequest
	}
	if sid != "" {
		sess, ok := srv.session(sid)
		if !ok {
			return errUnknownSID
		}
		if !upgrade && sess.TransportName() != transportName {
			return errBadRequest
		}
		return nil
	}
	if r.Method != http.MethodGet {
		return errBadHandshakeMethod
	}
	if srv.opts.AllowRequest != nil {
		if perr := srv.opts.AllowRequest(r); perr != nil {
			return perr
		}
	}
	return nil
}

// validOrigin accepts only field-vchars: printable ASCII without DEL, plus
// horizontal tab and obs-text.
func validOrigin(origin string) bool {
	for i := 0; i < len(origin); i++ {
		b := origin[i]
		if b == '\t' || b >= 0x80 {
			continue
		}
		if b < 0x20 || b == 0x7f {
			return false
		}
	}
	return true
}

// upgradesFor lists the transports reachable from the given one.
func (srv *Server) upgradesFor(transportName string) []string {
	upgrades := []string{}
	if transportName == TransportPolling && srv.opts.AllowUpgrades &&
		srv.opts.transportEnabled(TransportWebsocket) {
		upgrades = append(upgrades, TransportWebsocket)
	}
	return upgrades
}

func (srv *Server) handshakeCookie(sid string) *http.Cookie {
	if srv.opts.Cookie == nil {
		return nil
	}
	return &http.Cookie{
		Name:     srv.opts.Cookie.Name,
		Value:    sid,
		Path:     srv.opts.Cookie.Path,
		HttpOnly: srv.opts.Cookie.HTTPOnly,
		SameSite: srv.opts.Cookie.SameSite,
	}
}

// handshakePolling builds a polling transport over the request, creates the
// session and serves the open packet on this same request.
func (srv *Server) handshakePolling(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	supportsBinary := q.Get("b64") != "1"
	sid := srv.freshID()
	t := newPollingTransport(supportsBinary, q.Get("j"), &srv.opts,
		srv.handshakeCookie(sid), srv.logger)
	sess := srv.registerSession(sid, t, r, TransportPolling)
	if sess == nil {
		writeProtocolError(w, errBadRequest)
		return
	}
	t.onPollRequest(w, r)
}

func (srv *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, sid string) {
	newID := ""
	var respHeader http.Header
	if sid == "" {
		newID = srv.freshID()
		if cookie := srv.handshakeCookie(newID); cookie != nil {
			respHeader = http.Header{"Set-Cookie": {cookie.String()}}
		}
	}
	conn, err := srv.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// gorilla has already written the 400
		srv.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	supportsBinary := r.URL.Query().Get("b64") != "1"
	t := newWebsocketTransport(conn, supportsBinary, &srv.opts, srv.logger)

	if sid != "" {
		sess, ok := srv.session(sid)
		if !ok || !srv.opts.AllowUpgrades || !sess.maybeUpgrade(t) {
			t.close()
			return
		}
		go t.readLoop()
		return
	}

	sess := srv.registerSession(newID, t, r, TransportWebsocket)
	if sess == nil {
		t.close()
		return
	}
	go t.readLoop()
}

// freshID draws ids until one is free. Collisions are vanishingly rare but
// the table must never alias two live sessions.
func (srv *Server) freshID() string {
	for {
		id := srv.opts.GenerateID()
		srv.sessionsMux.Lock()
		_, taken := srv.sessions[id]
		srv.sessionsMux.Unlock()
		if !taken {
			return id
		}
	}
}

// registerSession constructs the session (which queues the open packet),
// inserts it into the table and notifies the connection observer.
func (srv *Server) registerSession(sid string, t transport, r *http.Request, transportName string) *Session {
	sess := newSession(srv, sid, t, r.RemoteAddr, srv.upgradesFor(transportName))

	srv.sessionsMux.Lock()
	if srv.closed {
		srv.sessionsMux.Unlock()
		sess.closeNow(ReasonServerClose, nil, true)
		return nil
	}
	srv.sessions[sid] = sess
	fn := srv.connectionFn
	srv.sessionsMux.Unlock()

	srv.logger.Debug("session registered", zap.String("sid", sid),
		zap.String("transport", transportName))
	if fn != nil {
		fn(sess)
	}
	return sess
}

func writeProtocolError(w http.ResponseWriter, perr *ProtocolError) {
	status := http.StatusBadRequest
	if perr.Code == CodeForbidden {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(perr)
}

// setCORSHeaders reflects the origin with credentials, the way browsers
// expect for cookie-bearing polling requests.
func setCORSHeaders(h http.Header, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
}
