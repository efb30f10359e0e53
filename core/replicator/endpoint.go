package replicator

import (
	"fmt"
	"net/url"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/errors"
)

// Endpoint is a replication target.
type Endpoint interface {
	// Description identifies the endpoint in logs and checkpoint keys.
	Description() string
}

// URLEndpoint is a remote sync listener reached over a websocket.
type URLEndpoint struct {
	url *url.URL
}

// NewURLEndpoint parses and validates a ws:// or wss:// endpoint URL.
func NewURLEndpoint(rawURL string) (*URLEndpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid endpoint URL %q: %v", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("endpoint scheme must be ws or wss, got %q: %w",
			u.Scheme, errors.ErrInvalidInput)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint URL %q has no host: %w", rawURL, errors.ErrInvalidInput)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("endpoint URL must not carry a query or fragment: %w",
			errors.ErrInvalidInput)
	}
	return &URLEndpoint{url: u}, nil
}

// URL returns the endpoint's URL.
func (e *URLEndpoint) URL() *url.URL {
	return e.url
}

// Description implements Endpoint.
func (e *URLEndpoint) Description() string {
	return e.url.String()
}

// LocalEndpoint is another database in the same process.
type LocalEndpoint struct {
	db *db.Database
}

// NewLocalEndpoint wraps a local database as a replication target.
func NewLocalEndpoint(database *db.Database) (*LocalEndpoint, error) {
	if database == nil {
		return nil, errors.NewValidation("database", "must not be nil")
	}
	return &LocalEndpoint{db: database}, nil
}

// Database returns the target database.
func (e *LocalEndpoint) Database() *db.Database {
	return e.db
}

// Description implements Endpoint.
func (e *LocalEndpoint) Description() string {
	return "local:" + e.db.Name()
}
