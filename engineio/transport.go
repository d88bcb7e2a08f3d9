package engineio

import (
	"sync"

	"go.uber.org/zap"
)

type transportState int

const (
	transportOpen transportState = iota
	transportClosing
	transportClosed
)

// transportHandlers is the listener set a session installs on its bound
// transport. The session replaces it with an empty set when it unbinds the
// transport, which breaks the session/transport reference cycle.
type transportHandlers struct {
	onPacket func(*Packet)
	onDrain  func()
	onError  func(error)
	onClose  func()
}

// transport is an ordered byte/packet channel with liveness and writable
// state. The polling variant additionally accepts HTTP requests; consumers
// type-assert to *pollingTransport before routing a request to it.
type transport interface {
	name() string
	writable() bool
	supportsFraming() bool
	supportsBinary() bool

	setHandlers(transportHandlers)
	send([]*Packet)
	close()
	discard()
	discarded() bool
}

// baseTransport carries the state shared by both variants: ready state,
// the discarded flag and the installed handler set. Handlers are always
// snapshotted under the lock and invoked outside it, so that they may call
// back into the transport or the session freely.
type baseTransport struct {
	mu       sync.Mutex
	state    transportState
	disc     bool
	handlers transportHandlers
	binary   bool
	closeCh  chan struct{}
	logger   *zap.Logger
}

func (t *baseTransport) init(supportsBinary bool, logger *zap.Logger) {
	t.state = transportOpen
	t.binary = supportsBinary
	t.closeCh = make(chan struct{})
	t.logger = logger
}

func (t *baseTransport) setHandlers(h transportHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *baseTransport) supportsBinary() bool { return t.binary }

func (t *baseTransport) discard() {
	t.mu.Lock()
	t.disc = true
	t.mu.Unlock()
}

func (t *baseTransport) discarded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disc
}

func (t *baseTransport) emitPacket(p *Packet) {
	t.mu.Lock()
	h := t.handlers.onPacket
	t.mu.Unlock()
	if h != nil {
		h(p)
	}
}

func (t *baseTransport) emitDrain() {
	t.mu.Lock()
	h := t.handlers.onDrain
	t.mu.Unlock()
	if h != nil {
		h()
	}
}

// emitError swallows errors on a discarded transport; they are expected
// while an upgrade supersedes it.
func (t *baseTransport) emitError(err error) {
	t.mu.Lock()
	h := t.handlers.onError
	disc := t.disc
	t.mu.Unlock()
	if disc {
		t.logger.Debug("ignoring error on discarded transport", zap.Error(err))
		return
	}
	if h != nil {
		h(err)
	}
}

func (t *baseTransport) emitClose() {
	t.mu.Lock()
	h := t.handlers.onClose
	disc := t.disc
	t.mu.Unlock()
	if disc || h == nil {
		return
	}
	h()
}
