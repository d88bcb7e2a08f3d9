package engineio

import (
	"errors"
	"fmt"
)

// Protocol rejection codes surfaced to clients as JSON {code, message}
// bodies, or as a 400 on websocket upgrade requests.
const (
	CodeUnknownTransport   = 0
	CodeUnknownSID         = 1
	CodeBadHandshakeMethod = 2
	CodeBadRequest         = 3
	CodeForbidden          = 4
)

// ProtocolError is a client-facing handshake or routing rejection. It never
// reaches the application; sessions are not created for rejected requests.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engineio: %s (code %d)", e.Message, e.Code)
}

var (
	errUnknownTransport   = &ProtocolError{CodeUnknownTransport, "Transport unknown"}
	errUnknownSID         = &ProtocolError{CodeUnknownSID, "Session ID unknown"}
	errBadHandshakeMethod = &ProtocolError{CodeBadHandshakeMethod, "Bad handshake method"}
	errBadRequest         = &ProtocolError{CodeBadRequest, "Bad request"}
	errForbidden          = &ProtocolError{CodeForbidden, "Forbidden"}
)

// Close reasons reported to the application by the session close observer.
const (
	ReasonTransportError = "transport error"
	ReasonTransportClose = "transport close"
	ReasonParseError     = "parse error"
	ReasonPingTimeout    = "ping timeout"
	ReasonForcedClose    = "forced close"
	ReasonServerClose    = "server close"
)

var (
	errPollOverlap     = errors.New("engineio: overlapping poll from client")
	errPostOverlap     = errors.New("engineio: overlapping data request from client")
	errPayloadTooLarge = errors.New("engineio: polling payload exceeds maxHttpBufferSize")
)
