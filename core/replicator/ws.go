package replicator

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
	"github.com/FocuswithJustin/Bramble/internal/syncproto"
)

const handshakeTimeout = 15 * time.Second

// dial opens the websocket connection to a remote endpoint, applying
// headers, credentials, proxy, and TLS settings from the config.
func (r *Replicator) dial(ep *URLEndpoint) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range r.config.Headers {
		header.Set(k, v)
	}
	if r.config.Authenticator != nil {
		if sa, ok := r.config.Authenticator.(*SessionAuthenticator); ok && sa.Domain != "" {
			if !cookieAllowed(sa.Domain, ep.url.Hostname(), r.config.AcceptParentDomainCookies) {
				return nil, errors.NewValidation("authenticator",
					"session cookie domain does not cover the endpoint host")
			}
		}
		if err := r.config.Authenticator.apply(header); err != nil {
			return nil, err
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if r.config.Proxy != nil {
		proxyURL, err := r.proxyURL()
		if err != nil {
			return nil, err
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}
	tlsConfig, err := r.tlsConfig()
	if err != nil {
		return nil, err
	}
	dialer.TLSClientConfig = tlsConfig

	conn, resp, err := dialer.Dial(ep.url.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting to %s: %s: %w", ep.Description(), resp.Status, err)
		}
		return nil, fmt.Errorf("connecting to %s: %w", ep.Description(), err)
	}
	return conn, nil
}

// proxyURL builds the proxy URL from the config's ProxySettings.
func (r *Replicator) proxyURL() (*url.URL, error) {
	p := r.config.Proxy
	if p.Hostname == "" {
		return nil, errors.NewValidation("proxy.hostname", "must not be empty")
	}
	scheme := "http"
	if p.Type == ProxyHTTPS {
		scheme = "https"
	}
	u := &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", p.Hostname, p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// tlsConfig builds TLS settings honoring pinned and trusted certificates.
func (r *Replicator) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}

	if len(r.config.TrustedRootCertificates) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(r.config.TrustedRootCertificates) {
			return nil, errors.NewValidation("trustedRootCertificates", "no PEM certificates found")
		}
		cfg.RootCAs = pool
	}

	if len(r.config.PinnedServerCertificate) > 0 {
		pinned, err := parseCertificate(r.config.PinnedServerCertificate)
		if err != nil {
			return nil, err
		}
		// Pinning replaces chain verification: only the exact certificate is
		// accepted.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if bytes.Equal(raw, pinned.Raw) {
					return nil
				}
			}
			return fmt.Errorf("server certificate does not match the pinned certificate: %w",
				errors.ErrInvalidInput)
		}
	}
	return cfg, nil
}

// parseCertificate accepts a certificate in PEM or DER form.
func parseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pinned certificate")
	}
	return cert, nil
}

// cookieAllowed reports whether a cookie scoped to cookieDomain may be sent
// to host. Parent-domain cookies are only sent when acceptParent is set.
func cookieAllowed(cookieDomain, host string, acceptParent bool) bool {
	cookieDomain = strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	host = strings.ToLower(host)
	if cookieDomain == "" || cookieDomain == host {
		return true
	}
	if !strings.HasSuffix(host, "."+cookieDomain) {
		return false
	}
	return acceptParent
}

// remotePass performs one replication exchange with a remote listener.
func (r *Replicator) remotePass(ep *URLEndpoint, stop chan struct{}) (Progress, error) {
	var progress Progress

	conn, err := r.dial(ep)
	if err != nil {
		return progress, err
	}
	defer conn.Close()

	stopPing := r.startHeartbeat(conn)
	defer close(stopPing)

	if err := writeEnv(conn, syncproto.NewHello(r.localDB.Name())); err != nil {
		return progress, err
	}
	env, err := readEnv(conn)
	if err != nil {
		return progress, err
	}
	if env.Type == syncproto.TypeError {
		return progress, fmt.Errorf("endpoint refused session: %s: %w",
			env.Error.Message, errors.ErrInvalidInput)
	}
	if env.Type != syncproto.TypeHello {
		return progress, fmt.Errorf("expected hello, got %q: %w", env.Type, errors.ErrInternal)
	}
	if err := syncproto.CheckHello(env.Hello); err != nil {
		return progress, err
	}

	for _, cc := range r.config.Collections {
		if r.config.Type.push() {
			if err := r.pushRemote(conn, cc, &progress); err != nil {
				return progress, err
			}
		}
		if r.config.Type.pull() {
			if err := r.pullRemote(conn, cc, &progress); err != nil {
				return progress, err
			}
		}
	}
	return progress, nil
}

// pushRemote sends local changes as rev frames, advancing the checkpoint on
// each ack.
func (r *Replicator) pushRemote(conn *websocket.Conn, cc CollectionConfig, progress *Progress) error {
	col := cc.Collection
	since, err := r.loadCheckpoint("push", col)
	if err != nil {
		return err
	}
	changes, err := col.ChangesSince(since, 0)
	if err != nil {
		return err
	}
	progress.Total += uint64(len(changes))

	var batch []ReplicatedDocument
	for _, e := range changes {
		if !allowsDocument(cc, e) {
			progress.Completed++
			continue
		}
		err := writeEnv(conn, syncproto.NewRev(syncproto.Rev{
			Scope:      col.ScopeName(),
			Collection: col.Name(),
			DocID:      e.DocID,
			RevID:      e.RevID,
			Sequence:   e.Sequence,
			Deleted:    e.Deleted,
			Body:       e.Body,
		}))
		if err != nil {
			return err
		}

		env, err := readEnv(conn)
		if err != nil {
			return err
		}
		switch env.Type {
		case syncproto.TypeAck:
			if err := r.saveCheckpoint("push", col, env.Ack.Sequence); err != nil {
				return err
			}
		case syncproto.TypeError:
			return fmt.Errorf("endpoint rejected %s: %s: %w",
				e.DocID, env.Error.Message, errors.ErrInternal)
		default:
			return fmt.Errorf("expected ack, got %q: %w", env.Type, errors.ErrInternal)
		}

		progress.Completed++
		batch = append(batch, ReplicatedDocument{
			ID:             e.DocID,
			ScopeName:      col.ScopeName(),
			CollectionName: col.Name(),
			Deleted:        e.Deleted,
		})
	}
	r.notifyDocuments(DocumentReplication{IsPush: true, Documents: batch})
	return nil
}

// pullRemote requests remote changes and applies the returned rev frames
// until the endpoint reports it has caught up.
func (r *Replicator) pullRemote(conn *websocket.Conn, cc CollectionConfig, progress *Progress) error {
	col := cc.Collection
	since, err := r.loadCheckpoint("pull", col)
	if err != nil {
		return err
	}
	err = writeEnv(conn, syncproto.NewPull(col.ScopeName(), col.Name(), since, false))
	if err != nil {
		return err
	}

	var batch []ReplicatedDocument
	for {
		env, err := readEnv(conn)
		if err != nil {
			return err
		}
		switch env.Type {
		case syncproto.TypeRev:
			rev := env.Rev
			entry := db.ChangeEntry{
				DocID:    rev.DocID,
				RevID:    rev.RevID,
				Sequence: rev.Sequence,
				Deleted:  rev.Deleted,
				Body:     rev.Body,
			}
			progress.Total++
			if allowsIncoming(cc, entry) {
				if err := r.applyIncoming(cc, entry); err != nil {
					return err
				}
				batch = append(batch, ReplicatedDocument{
					ID:             rev.DocID,
					ScopeName:      col.ScopeName(),
					CollectionName: col.Name(),
					Deleted:        rev.Deleted,
				})
			}
			progress.Completed++
		case syncproto.TypeCaughtUp:
			if err := r.saveCheckpoint("pull", col, env.CaughtUp.Sequence); err != nil {
				return err
			}
			r.notifyDocuments(DocumentReplication{IsPush: false, Documents: batch})
			return nil
		case syncproto.TypeError:
			return fmt.Errorf("pull failed: %s: %w", env.Error.Message, errors.ErrInternal)
		default:
			return fmt.Errorf("unexpected %q during pull: %w", env.Type, errors.ErrInternal)
		}
	}
}

// startHeartbeat pings the connection at the configured interval until the
// returned channel closes.
func (r *Replicator) startHeartbeat(conn *websocket.Conn) chan struct{} {
	stop := make(chan struct{})
	interval := r.config.Heartbeat
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					logging.Warn(logging.DomainNetwork, "heartbeat ping failed: %v", err)
					return
				}
			}
		}
	}()
	return stop
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
		return syncproto.Envelope{}, fmt.Errorf("connection lost: %w", err)
	}
	return syncproto.Decode(data)
}
