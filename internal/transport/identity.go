package transport

import (
	"net/http"
)

// Identity is the pre-validated caller identity handed to the mediator by
// the authentication subsystem. The mediator never parses credentials
// itself.
type Identity struct {
	// Subject names the authenticated principal.
	Subject string
	// Capabilities lists granted capability strings.
	Capabilities []string
}

// Authenticator resolves a request to an identity before the websocket
// upgrade. A non-nil error rejects the connection.
type Authenticator func(*http.Request) (Identity, error)

// AllowAll accepts every connection with an anonymous identity. It is the
// default when no authenticator is configured.
func AllowAll(*http.Request) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}
