// Package listener serves a database to remote replicators over a websocket.
package listener

import (
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
	"github.com/FocuswithJustin/Bramble/internal/syncproto"
)

// PasswordAuthenticator vets basic-auth credentials on incoming connections.
type PasswordAuthenticator func(username, password string) bool

// Config configures a sync listener.
type Config struct {
	// Database is the database being served. Required.
	Database *db.Database

	// Port to listen on; 0 picks an ephemeral port.
	Port uint16

	// NetworkInterface is the address to bind; empty binds all interfaces.
	NetworkInterface string

	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config

	// Authenticator, when set, requires basic auth on every connection.
	Authenticator PasswordAuthenticator

	// ReadOnly refuses pushed revisions.
	ReadOnly bool
}

// Listener accepts replicator connections and serves the sync exchange.
type Listener struct {
	config   Config
	upgrader websocket.Upgrader

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// NewListener builds a listener for the config.
func NewListener(config Config) (*Listener, error) {
	if config.Database == nil {
		return nil, errors.NewValidation("database", "must not be nil")
	}
	return &Listener{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Start binds the port and begins accepting connections.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(l.config.NetworkInterface, strconv.Itoa(int(l.config.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind listener")
	}
	if l.config.TLSConfig != nil {
		ln = tls.NewListener(ln, l.config.TLSConfig)
	}
	l.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/"+l.config.Database.Name(), l.handleSync)
	srv := &http.Server{Handler: mux}
	l.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error(logging.DomainNetwork, "sync listener stopped: %v", err)
		}
	}()

	logging.Info(logging.DomainNetwork, "sync listener for %s on %s",
		l.config.Database.Name(), ln.Addr())
	return nil
}

// Stop closes the listener and all connections.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv == nil {
		return nil
	}
	err := l.srv.Close()
	l.srv = nil
	l.ln = nil
	return err
}

// Port returns the bound port, 0 if not started.
func (l *Listener) Port() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return 0
	}
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// URL returns the endpoint URL replicators should dial.
func (l *Listener) URL() string {
	scheme := "ws"
	if l.config.TLSConfig != nil {
		scheme = "wss"
	}
	host := l.config.NetworkInterface
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s/%s", scheme,
		net.JoinHostPort(host, strconv.Itoa(int(l.Port()))), l.config.Database.Name())
}

// handleSync authenticates and upgrades one connection, then runs the
// message loop.
func (l *Listener) handleSync(w http.ResponseWriter, r *http.Request) {
	if l.config.Authenticator != nil {
		user, pass, ok := r.BasicAuth()
		if !ok || !l.config.Authenticator(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="sync"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(logging.DomainNetwork, "websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if err := l.serve(conn); err != nil {
		logging.Verbose(logging.DomainNetwork, "sync session ended: %v", err)
	}
}

// serve runs the sync exchange on an upgraded connection.
func (l *Listener) serve(conn *websocket.Conn) error {
	env, err := readEnv(conn)
	if err != nil {
		return err
	}
	if env.Type != syncproto.TypeHello {
		return writeEnv(conn, syncproto.NewError("protocol", "expected hello"))
	}
	if err := syncproto.CheckHello(env.Hello); err != nil {
		writeEnv(conn, syncproto.NewError("version", err.Error()))
		return err
	}
	if err := writeEnv(conn, syncproto.NewHello(l.config.Database.Name())); err != nil {
		return err
	}

	for {
		env, err := readEnv(conn)
		if err != nil {
			// Normal close ends the session.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		switch env.Type {
		case syncproto.TypeRev:
			if err := l.handleRev(conn, env.Rev); err != nil {
				return err
			}
		case syncproto.TypePull:
			if err := l.handlePull(conn, env.Pull); err != nil {
				return err
			}
		case syncproto.TypeError:
			return fmt.Errorf("peer error: %s", env.Error.Message)
		default:
			if err := writeEnv(conn, syncproto.NewError("protocol",
				"unexpected "+env.Type)); err != nil {
				return err
			}
		}
	}
}

// handleRev applies one pushed revision and acknowledges it.
func (l *Listener) handleRev(conn *websocket.Conn, rev *syncproto.Rev) error {
	if l.config.ReadOnly {
		return writeEnv(conn, syncproto.NewError("forbidden", "listener is read-only"))
	}
	col, err := l.config.Database.CreateCollection(rev.Collection, rev.Scope)
	if err != nil {
		return writeEnv(conn, syncproto.NewError("collection", err.Error()))
	}
	if _, err := col.PutExisting(rev.DocID, rev.RevID, rev.Body, rev.Deleted); err != nil {
		return writeEnv(conn, syncproto.NewError("storage", err.Error()))
	}
	return writeEnv(conn, syncproto.NewAck(rev.Sequence))
}

// handlePull streams changes since the requested sequence, then reports the
// caught-up high-water mark.
func (l *Listener) handlePull(conn *websocket.Conn, pull *syncproto.Pull) error {
	col, err := l.config.Database.Collection(pull.Collection, pull.Scope)
	if err != nil {
		return writeEnv(conn, syncproto.NewError("collection", err.Error()))
	}
	if col == nil {
		// An absent collection has no changes.
		return writeEnv(conn, syncproto.NewCaughtUp(pull.Since))
	}

	changes, err := col.ChangesSince(pull.Since, 0)
	if err != nil {
		return writeEnv(conn, syncproto.NewError("storage", err.Error()))
	}
	last := pull.Since
	for _, e := range changes {
		last = e.Sequence
		err := writeEnv(conn, syncproto.NewRev(syncproto.Rev{
			Scope:      pull.Scope,
			Collection: pull.Collection,
			DocID:      e.DocID,
			RevID:      e.RevID,
			Sequence:   e.Sequence,
			Deleted:    e.Deleted,
			Body:       e.Body,
		}))
		if err != nil {
			return err
		}
	}
	return writeEnv(conn, syncproto.NewCaughtUp(last))
}

// writeEnv sends one protocol frame.
func writeEnv(conn *websocket.Conn, env syncproto.Envelope) error {
	data, err := syncproto.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readEnv reads and validates one protocol frame.
func readEnv(conn *websocket.Conn) (syncproto.Envelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return syncproto.Envelope{}, err
	}
	return syncproto.Decode(data)
}

// ConstantTimeEqual compares two credentials without leaking their length
// relationship through timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
