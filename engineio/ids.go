package engineio

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// generateID returns the default session id: the 16 bytes of a random
// (version 4) UUID, base64url encoded without padding, so it is safe in
// query strings and cookies. 122 of the 128 bits are random; the version
// and variant bits are fixed.
func generateID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
