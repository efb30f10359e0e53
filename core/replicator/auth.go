package replicator

import (
	"encoding/base64"
	"net/http"

	"github.com/FocuswithJustin/Bramble/core/errors"
)

// Authenticator supplies credentials for a remote endpoint.
type Authenticator interface {
	// apply adds the credentials to an outgoing websocket handshake.
	apply(header http.Header) error
}

// BasicAuthenticator sends HTTP basic credentials.
type BasicAuthenticator struct {
	Username string
	Password string
}

func (a *BasicAuthenticator) apply(header http.Header) error {
	if a.Username == "" {
		return errors.NewValidation("username", "must not be empty")
	}
	creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	header.Set("Authorization", "Basic "+creds)
	return nil
}

// DefaultSessionCookieName is the cookie used when SessionAuthenticator's
// CookieName is empty.
const DefaultSessionCookieName = "SyncGatewaySession"

// SessionAuthenticator sends a pre-established session cookie.
type SessionAuthenticator struct {
	SessionID  string
	CookieName string

	// Domain is the host scope the session cookie was issued for. When set,
	// the cookie is only sent to that host, or to its subdomains when the
	// config enables AcceptParentDomainCookies. Empty sends it unconditionally.
	Domain string
}

func (a *SessionAuthenticator) apply(header http.Header) error {
	if a.SessionID == "" {
		return errors.NewValidation("sessionID", "must not be empty")
	}
	name := a.CookieName
	if name == "" {
		name = DefaultSessionCookieName
	}
	header.Add("Cookie", name+"="+a.SessionID)
	return nil
}

// ProxyType selects the proxy protocol.
type ProxyType int

const (
	// ProxyHTTP is a plain HTTP CONNECT proxy.
	ProxyHTTP ProxyType = iota
	// ProxyHTTPS is a TLS HTTP CONNECT proxy.
	ProxyHTTPS
)

// ProxySettings routes the websocket connection through an HTTP proxy.
type ProxySettings struct {
	Type     ProxyType
	Hostname string
	Port     uint16
	Username string
	Password string
}
