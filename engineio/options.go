package engineio

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Transport names understood by the server.
const (
	TransportPolling   = "polling"
	TransportWebsocket = "websocket"
)

// CompressionOptions control response compression; bodies below Threshold
// bytes are sent uncompressed.
type CompressionOptions struct {
	Threshold int
}

// CookieOptions describe the sticky-routing cookie written on the first
// response of a freshly handshaken session.
type CookieOptions struct {
	Name     string
	Path     string
	HTTPOnly bool
	SameSite http.SameSite
}

// Options holds server configuration. Start from DefaultOptions; zero values
// of the timing and size fields are replaced with the defaults.
type Options struct {
	// PingInterval is the time between server-initiated pings.
	PingInterval time.Duration
	// PingTimeout is the time to wait for a pong before declaring the
	// session dead.
	PingTimeout time.Duration
	// UpgradeTimeout bounds a transport upgrade from probe to commit.
	UpgradeTimeout time.Duration
	// MaxHTTPBufferSize caps the decoded body of a polling data request.
	MaxHTTPBufferSize int64

	// Transports lists the enabled transport names in handshake order.
	Transports []string
	// AllowUpgrades gates transport upgrades.
	AllowUpgrades bool

	// PerMessageDeflate enables websocket compression, nil disables.
	PerMessageDeflate *CompressionOptions
	// HTTPCompression enables polling response compression, nil disables.
	HTTPCompression *CompressionOptions

	// Cookie, when non-nil, is written on handshake responses.
	Cookie *CookieOptions
	// CORS enables the cross-origin headers and preflight handling.
	CORS bool

	// AllowRequest, when set, may reject a handshake with a caller-chosen
	// protocol error before a session is created.
	AllowRequest func(*http.Request) *ProtocolError

	// InitialPacket is an extra message delivered right after the open
	// packet of every new session.
	InitialPacket []byte

	// GenerateID overrides session id generation.
	GenerateID func() string

	// WebsocketUpgrader overrides the upgrader used for the HTTP to
	// websocket handshake.
	WebsocketUpgrader *websocket.Upgrader
	// WebsocketWriteTimeout bounds a single websocket write, zero means
	// no deadline.
	WebsocketWriteTimeout time.Duration

	Logger *zap.Logger
}

// DefaultOptions with the standard protocol timings.
var DefaultOptions = Options{
	PingInterval:      25 * time.Second,
	PingTimeout:       5 * time.Second,
	UpgradeTimeout:    10 * time.Second,
	MaxHTTPBufferSize: 1e6,
	Transports:        []string{TransportPolling, TransportWebsocket},
	AllowUpgrades:     true,
	PerMessageDeflate: &CompressionOptions{Threshold: 1024},
	HTTPCompression:   &CompressionOptions{Threshold: 1024},
}

// DefaultCookie is applied when a CookieOptions value leaves fields empty.
var DefaultCookie = CookieOptions{
	Name:     "io",
	Path:     "/",
	HTTPOnly: true,
	SameSite: http.SameSiteLaxMode,
}

func (o *Options) normalize() {
	if o.PingInterval == 0 {
		o.PingInterval = DefaultOptions.PingInterval
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = DefaultOptions.PingTimeout
	}
	if o.UpgradeTimeout == 0 {
		o.UpgradeTimeout = DefaultOptions.UpgradeTimeout
	}
	if o.MaxHTTPBufferSize == 0 {
		o.MaxHTTPBufferSize = DefaultOptions.MaxHTTPBufferSize
	}
	if len(o.Transports) == 0 {
		o.Transports = DefaultOptions.Transports
	}
	if o.GenerateID == nil {
		o.GenerateID = generateID
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Cookie != nil {
		if o.Cookie.Name == "" {
			o.Cookie.Name = DefaultCookie.Name
		}
		if o.Cookie.Path == "" {
			o.Cookie.Path = DefaultCookie.Path
		}
		if !o.Cookie.HTTPOnly {
			o.Cookie.HTTPOnly = DefaultCookie.HTTPOnly
		}
		if o.Cookie.SameSite == 0 {
			o.Cookie.SameSite = DefaultCookie.SameSite
		}
	}
}

func (o *Options) transportEnabled(name string) bool {
	for _, t := range o.Transports {
		if t == name {
			return true
		}
	}
	return false
}
