package engineio

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type readyState int

const (
	readyStateOpening readyState = iota
	readyStateOpen
	readyStateClosing
	readyStateClosed
)

// probeCheckInterval is the cadence at which noop packets are pushed on the
// old polling transport while an upgrade probe is outstanding, forcing the
// client's parked poll to return promptly.
const probeCheckInterval = 100 * time.Millisecond

// handshakeData is the JSON payload of the open packet.
type handshakeData struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

// SendOptions tune a single outbound message.
type SendOptions struct {
	// Binary marks the data as an opaque byte sequence instead of UTF-8
	// text.
	Binary bool
	// Compress allows per-message compression on transports that support
	// it. Messages sent without options default to compressible.
	Compress bool
}

// Session is the logical bidirectional channel between one client and the
// server. It owns the heartbeat timers, the write buffer and the currently
// bound transport, and survives a polling to websocket upgrade.
type Session struct {
	mux sync.Mutex

	id         string
	server     *Server
	remoteAddr string
	logger     *zap.Logger

	state     readyState
	transport transport
	probe     transport // upgrade candidate, nil outside an upgrade
	upgrading bool
	upgraded  bool

	writeBuffer   []*Packet
	packetsFn     []func()   // 1:1 with writeBuffer, nil for packets without a callback
	sentCallbacks [][]func() // one entry consumed per transport drain
	flushing      bool

	pingInterval   time.Duration
	pingTimeout    time.Duration
	upgradeTimeout time.Duration

	pingIntervalTimer *time.Timer
	pingTimeoutTimer  *time.Timer
	upgradeTimer      *time.Timer
	probeTimer        *time.Timer

	closeCh chan struct{}

	// application observers
	messageFn      func([]byte)
	closeFn        func(reason string, err error)
	packetFn       func(*Packet)
	packetCreateFn func(*Packet)
	flushFn        func([]*Packet)
	drainFn        func()
	upgradingFn    func(transportName string)
	upgradeFn      func(transportName string)
	heartbeatFn    func()
}

func newSession(srv *Server, id string, t transport, remoteAddr string, upgrades []string) *Session {
	s := &Session{
		id:             id,
		server:         srv,
		remoteAddr:     remoteAddr,
		logger:         srv.logger.With(zap.String("sid", id)),
		state:          readyStateOpening,
		pingInterval:   srv.opts.PingInterval,
		pingTimeout:    srv.opts.PingTimeout,
		upgradeTimeout: srv.opts.UpgradeTimeout,
		closeCh:        make(chan struct{}),
	}
	s.transport = t
	s.installTransport(t)
	s.onOpen(upgrades, srv.opts.InitialPacket)
	return s
}

// onOpen enters the open state and queues the handshake packet, followed by
// the configured initial message if any.
func (s *Session) onOpen(upgrades []string, initial []byte) {
	data, _ := json.Marshal(handshakeData{
		SID:          s.id,
		Upgrades:     upgrades,
		PingInterval: s.pingInterval.Milliseconds(),
		PingTimeout:  s.pingTimeout.Milliseconds(),
	})
	s.mux.Lock()
	s.state = readyStateOpen
	s.writeBuffer = append(s.writeBuffer, &Packet{Type: PacketOpen, Data: data})
	s.packetsFn = append(s.packetsFn, nil)
	if initial != nil {
		s.writeBuffer = append(s.writeBuffer, &Packet{Type: PacketMessage, Data: initial})
		s.packetsFn = append(s.packetsFn, nil)
	}
	s.scheduleHeartbeatLocked()
	s.resetPingTimeoutLocked(s.pingInterval + s.pingTimeout)
	s.mux.Unlock()
	s.logger.Debug("session open", zap.String("transport", s.TransportName()))
	s.flush()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr reports the address of the originating request, captured at
// construction.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// TransportName names the currently bound transport.
func (s *Session) TransportName() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.name()
}

// Upgraded reports whether any transport upgrade has completed.
func (s *Session) Upgraded() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.upgraded
}

// CloseNotify returns a channel closed when the session reaches its terminal
// state.
func (s *Session) CloseNotify() <-chan struct{} { return s.closeCh }

// Observer registration. Handlers run on the goroutine that produced the
// event; keep them short or hand off.

func (s *Session) OnMessage(fn func(data []byte)) { s.mux.Lock(); s.messageFn = fn; s.mux.Unlock() }

func (s *Session) OnClose(fn func(reason string, err error)) {
	s.mux.Lock()
	s.closeFn = fn
	s.mux.Unlock()
}

func (s *Session) OnPacket(fn func(*Packet))       { s.mux.Lock(); s.packetFn = fn; s.mux.Unlock() }
func (s *Session) OnPacketCreate(fn func(*Packet)) { s.mux.Lock(); s.packetCreateFn = fn; s.mux.Unlock() }
func (s *Session) OnFlush(fn func([]*Packet))      { s.mux.Lock(); s.flushFn = fn; s.mux.Unlock() }
func (s *Session) OnDrain(fn func())               { s.mux.Lock(); s.drainFn = fn; s.mux.Unlock() }
func (s *Session) OnHeartbeat(fn func())           { s.mux.Lock(); s.heartbeatFn = fn; s.mux.Unlock() }

func (s *Session) OnUpgrading(fn func(transportName string)) {
	s.mux.Lock()
	s.upgradingFn = fn
	s.mux.Unlock()
}

func (s *Session) OnUpgrade(fn func(transportName string)) {
	s.mux.Lock()
	s.upgradeFn = fn
	s.mux.Unlock()
}

// Send enqueues a message packet. fn, if non-nil, fires once the packet has
// been handed to the wire. Sends on a closing or closed session are dropped
// silently. Returns the session for chaining.
func (s *Session) Send(data []byte, opts *SendOptions, fn func()) *Session {
	p := &Packet{Type: PacketMessage, Data: data, Compress: true}
	if opts != nil {
		p.Binary = opts.Binary
		p.Compress = opts.Compress
	}
	s.enqueue(p, fn)
	return s
}

func (s *Session) sendInternal(t PacketType, data []byte) {
	s.enqueue(&Packet{Type: t, Data: data}, nil)
}

func (s *Session) enqueue(p *Packet, fn func()) {
	s.mux.Lock()
	if s.state == readyStateClosing || s.state == readyStateClosed {
		s.mux.Unlock()
		return
	}
	s.writeBuffer = append(s.writeBuffer, p)
	s.packetsFn = append(s.packetsFn, fn)
	pcFn := s.packetCreateFn
	s.mux.Unlock()
	if pcFn != nil {
		pcFn(p)
	}
	s.flush()
}

// flush moves buffered packets to the transport in FIFO order. The flushing
// flag keeps concurrent flushers from interleaving batches; whoever holds it
// loops until the buffer is empty or the transport is unwritable.
func (s *Session) flush() {
	for {
		s.mux.Lock()
		t := s.transport
		if s.flushing || s.state == readyStateClosed || t == nil ||
			len(s.writeBuffer) == 0 || !t.writable() {
			s.mux.Unlock()
			return
		}
		s.flushing = true
		batch := s.writeBuffer
		fns := s.packetsFn
		s.writeBuffer = nil
		s.packetsFn = nil
		if t.supportsFraming() {
			// one drain per packet on framed transports
			for _, fn := range fns {
				if fn != nil {
					s.sentCallbacks = append(s.sentCallbacks, []func(){fn})
				} else {
					s.sentCallbacks = append(s.sentCallbacks, nil)
				}
			}
		} else {
			// the whole batch completes with the one polling response
			s.sentCallbacks = append(s.sentCallbacks, compactFns(fns))
		}
		flushFn := s.flushFn
		drainFn := s.drainFn
		s.mux.Unlock()

		if flushFn != nil {
			flushFn(batch)
		}
		t.send(batch)
		if drainFn != nil {
			drainFn()
		}

		s.mux.Lock()
		s.flushing = false
		s.mux.Unlock()
	}
}

func compactFns(fns []func()) []func() {
	out := fns[:0]
	for _, fn := range fns {
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Session) onTransportDrain() {
	s.mux.Lock()
	var fns []func()
	if len(s.sentCallbacks) > 0 {
		fns = s.sentCallbacks[0]
		s.sentCallbacks = s.sentCallbacks[1:]
	}
	s.mux.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
	s.flush()
	s.maybeFinishClose()
}

func (s *Session) onTransportPacket(p *Packet) {
	s.mux.Lock()
	if s.state != readyStateOpen && s.state != readyStateClosing {
		s.mux.Unlock()
		return
	}
	// any inbound packet counts as liveness
	s.resetPingTimeoutLocked(s.pingInterval + s.pingTimeout)
	packetFn := s.packetFn
	heartbeatFn := s.heartbeatFn
	messageFn := s.messageFn
	s.mux.Unlock()

	if packetFn != nil {
		packetFn(p)
	}
	if heartbeatFn != nil {
		heartbeatFn()
	}

	switch p.Type {
	case PacketPing:
		// legacy clients drive their own heartbeat; answer in kind
		s.sendInternal(PacketPong, p.Data)
	case PacketPong:
		s.mux.Lock()
		s.scheduleHeartbeatLocked()
		s.mux.Unlock()
	case PacketMessage:
		if messageFn != nil {
			messageFn(p.Data)
		}
	case PacketClose:
		s.closeNow(ReasonTransportClose, nil, false)
	case packetParseError:
		s.closeNow(ReasonParseError, nil, false)
	}
}

func (s *Session) onTransportError(err error) {
	s.logger.Warn("transport error", zap.Error(err))
	s.closeNow(ReasonTransportError, err, false)
}

func (s *Session) onTransportClose() {
	s.closeNow(ReasonTransportClose, nil, false)
}

// Heartbeats. The server is the active pinger: on every pingInterval expiry
// a ping goes out and the pong must come back within pingTimeout.

func (s *Session) scheduleHeartbeatLocked() {
	if s.pingIntervalTimer != nil {
		s.pingIntervalTimer.Stop()
	}
	s.pingIntervalTimer = time.AfterFunc(s.pingInterval, s.pingTick)
}

func (s *Session) pingTick() {
	s.mux.Lock()
	if s.state != readyStateOpen {
		s.mux.Unlock()
		return
	}
	s.resetPingTimeoutLocked(s.pingTimeout)
	s.mux.Unlock()
	s.sendInternal(PacketPing, nil)
}

func (s *Session) resetPingTimeoutLocked(d time.Duration) {
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
	}
	s.pingTimeoutTimer = time.AfterFunc(d, func() {
		s.closeNow(ReasonPingTimeout, nil, false)
	})
}

// Upgrade coordination.

// maybeUpgrade wires the probe protocol onto a candidate transport. It
// rejects a session that is closed, already upgrading or already upgraded.
func (s *Session) maybeUpgrade(t transport) bool {
	s.mux.Lock()
	if s.state == readyStateClosed || s.upgrading || s.upgraded ||
		s.transport == nil || s.transport.name() == t.name() {
		s.mux.Unlock()
		return false
	}
	s.upgrading = true
	s.probe = t
	s.upgradeTimer = time.AfterFunc(s.upgradeTimeout, func() {
		s.logger.Debug("upgrade timed out, keeping current transport")
		s.abortUpgrade(t)
	})
	s.mux.Unlock()

	t.setHandlers(transportHandlers{
		onPacket: func(p *Packet) { s.onProbePacket(t, p) },
		onError:  func(error) { s.abortUpgrade(t) },
		onClose:  func() { s.abortUpgrade(t) },
	})
	s.logger.Debug("upgrade probe armed", zap.String("candidate", t.name()))
	return true
}

func (s *Session) onProbePacket(t transport, p *Packet) {
	switch {
	case p.Type == PacketPing && string(p.Data) == "probe":
		t.send([]*Packet{{Type: PacketPong, Data: []byte("probe")}})
		s.mux.Lock()
		upgradingFn := s.upgradingFn
		if s.probeTimer != nil {
			s.probeTimer.Stop()
		}
		s.probeTimer = time.AfterFunc(probeCheckInterval, s.probeTick)
		s.mux.Unlock()
		if upgradingFn != nil {
			upgradingFn(t.name())
		}
	case p.Type == PacketUpgrade:
		s.commitUpgrade(t)
	default:
		s.logger.Debug("unexpected packet on probe transport",
			zap.String("type", p.Type.String()))
		s.abortUpgrade(t)
	}
}

// probeTick nudges the old polling transport with a noop so the client's
// parked poll returns and leaves a clean gap for the upgrade packet.
func (s *Session) probeTick() {
	s.mux.Lock()
	if !s.upgrading || s.state == readyStateClosed {
		s.mux.Unlock()
		return
	}
	old := s.transport
	s.probeTimer = time.AfterFunc(probeCheckInterval, s.probeTick)
	s.mux.Unlock()
	if old != nil && !old.supportsFraming() && old.writable() {
		old.send([]*Packet{{Type: PacketNoop}})
	}
}

func (s *Session) commitUpgrade(t transport) {
	s.mux.Lock()
	if !s.upgrading || s.probe != t || s.state == readyStateClosed {
		s.mux.Unlock()
		t.close()
		return
	}
	s.stopUpgradeTimersLocked()
	old := s.transport
	s.transport = t
	s.probe = nil
	s.upgraded = true
	s.upgrading = false
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
	}
	s.installTransport(t)
	upgradeFn := s.upgradeFn
	s.scheduleHeartbeatLocked()
	s.resetPingTimeoutLocked(s.pingInterval + s.pingTimeout)
	closing := s.state == readyStateClosing
	s.mux.Unlock()

	// the old transport is superseded; errors on it no longer matter
	if old != nil {
		old.discard()
		old.setHandlers(transportHandlers{})
		old.close()
	}
	s.logger.Debug("upgrade committed", zap.String("transport", t.name()))
	if upgradeFn != nil {
		upgradeFn(t.name())
	}
	s.flush()
	if closing {
		s.closeNow(ReasonForcedClose, nil, false)
	}
}

func (s *Session) abortUpgrade(t transport) {
	s.mux.Lock()
	if !s.upgrading || s.probe != t {
		s.mux.Unlock()
		return
	}
	s.upgrading = false
	s.probe = nil
	s.stopUpgradeTimersLocked()
	s.mux.Unlock()
	t.setHandlers(transportHandlers{})
	t.close()
	s.logger.Debug("upgrade aborted", zap.String("candidate", t.name()))
}

func (s *Session) stopUpgradeTimersLocked() {
	if s.upgradeTimer != nil {
		s.upgradeTimer.Stop()
	}
	if s.probeTimer != nil {
		s.probeTimer.Stop()
	}
}

func (s *Session) installTransport(t transport) {
	t.setHandlers(transportHandlers{
		onPacket: s.onTransportPacket,
		onDrain:  s.onTransportDrain,
		onError:  s.onTransportError,
		onClose:  s.onTransportClose,
	})
}

// Close initiates a graceful shutdown: buffered packets are flushed before
// the transport goes down. Calling Close more than once is a no-op.
func (s *Session) Close() {
	s.mux.Lock()
	if s.state != readyStateOpening && s.state != readyStateOpen {
		s.mux.Unlock()
		return
	}
	if len(s.writeBuffer) > 0 || s.flushing || len(s.sentCallbacks) > 0 {
		s.state = readyStateClosing
		s.mux.Unlock()
		s.flush()
		s.maybeFinishClose()
		return
	}
	s.mux.Unlock()
	s.closeNow(ReasonForcedClose, nil, false)
}

// CloseDiscard tears the session down immediately, force-discarding the
// current transport. Buffered packets are dropped.
func (s *Session) CloseDiscard() {
	s.closeNow(ReasonForcedClose, nil, true)
}

func (s *Session) maybeFinishClose() {
	s.mux.Lock()
	done := s.state == readyStateClosing && len(s.writeBuffer) == 0 &&
		len(s.sentCallbacks) == 0 && !s.flushing
	s.mux.Unlock()
	if done {
		s.closeNow(ReasonForcedClose, nil, false)
	}
}

// closeNow is the single terminal transition. It releases every timer,
// unbinds the transport and removes the session from the server table; the
// close observer fires exactly once.
func (s *Session) closeNow(reason string, err error, discard bool) {
	s.mux.Lock()
	if s.state == readyStateClosed {
		s.mux.Unlock()
		return
	}
	s.state = readyStateClosed
	if s.pingIntervalTimer != nil {
		s.pingIntervalTimer.Stop()
	}
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
	}
	s.stopUpgradeTimersLocked()
	t := s.transport
	probe := s.probe
	s.transport = nil
	s.probe = nil
	s.upgrading = false
	s.writeBuffer = nil
	s.packetsFn = nil
	s.sentCallbacks = nil
	closeFn := s.closeFn
	srv := s.server
	s.mux.Unlock()

	if probe != nil {
		probe.setHandlers(transportHandlers{})
		probe.close()
	}
	if t != nil {
		t.setHandlers(transportHandlers{})
		if discard {
			t.discard()
		}
		if !t.supportsFraming() && t.writable() && !discard &&
			reason != ReasonTransportClose && reason != ReasonTransportError {
			// a parked poll is still open, let it carry the goodbye
			t.send([]*Packet{{Type: PacketClose}})
		}
		t.close()
	}
	if srv != nil {
		srv.removeSession(s.id)
	}
	close(s.closeCh)
	s.logger.Debug("session closed", zap.String("reason", reason), zap.Error(err))
	if closeFn != nil {
		closeFn(reason, err)
	}
}
