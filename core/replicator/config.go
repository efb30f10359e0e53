// Package replicator synchronizes documents between a local database and an
// endpoint: another local database, or a remote sync listener reached over a
// websocket.
package replicator

import (
	"math"
	"time"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/defaults"
	"github.com/FocuswithJustin/Bramble/core/errors"
)

// ReplicatorType selects the replication direction.
type ReplicatorType int

const (
	// TypePushAndPull replicates in both directions.
	TypePushAndPull ReplicatorType = iota
	// TypePush sends local changes to the endpoint.
	TypePush
	// TypePull fetches endpoint changes into the local database.
	TypePull
)

// String returns the wire name of the type.
func (t ReplicatorType) String() string {
	switch t {
	case TypePush:
		return "push"
	case TypePull:
		return "pull"
	default:
		return "pushAndPull"
	}
}

// push reports whether the direction includes pushing.
func (t ReplicatorType) push() bool { return t != TypePull }

// pull reports whether the direction includes pulling.
func (t ReplicatorType) pull() bool { return t != TypePush }

// DocumentFlags qualifies a document passed to a ReplicationFilter.
type DocumentFlags int

const (
	// FlagDeleted marks a tombstone.
	FlagDeleted DocumentFlags = 1 << iota
)

// ReplicationFilter decides per document whether it replicates. Returning
// false skips the document.
type ReplicationFilter func(doc *db.Document, flags DocumentFlags) bool

// ConflictResolver picks the winning document when both sides changed. local
// or remote is nil when that side deleted the document; returning nil deletes
// it on both sides.
type ConflictResolver func(docID string, local, remote *db.Document) *db.Document

// CollectionConfig configures replication of one collection.
type CollectionConfig struct {
	// Collection is the local collection. Required.
	Collection *db.Collection

	// Channels restricts pulls to the named channels, where the endpoint
	// supports them. Neither the local endpoint nor this module's listener
	// implements channels; against those endpoints the field is recorded but
	// has no effect. Use DocumentIDs or PullFilter to restrict pulls instead.
	Channels []string

	// DocumentIDs restricts replication to the listed documents.
	DocumentIDs []string

	// PushFilter vets outgoing documents.
	PushFilter ReplicationFilter

	// PullFilter vets incoming documents.
	PullFilter ReplicationFilter

	// ConflictResolver overrides the default last-generation-wins resolution.
	ConflictResolver ConflictResolver
}

// Config configures a Replicator.
type Config struct {
	// Collections are the collections to replicate. Required.
	Collections []CollectionConfig

	// Endpoint is the replication target. Required.
	Endpoint Endpoint

	// Type is the replication direction. Defaults to push and pull.
	Type ReplicatorType

	// Continuous keeps the replicator running, reacting to changes, until
	// stopped.
	Continuous bool

	// Heartbeat is the websocket keepalive interval. 0 means the default.
	Heartbeat time.Duration

	// MaxAttempts caps connection attempts. 0 means the default: 10 for
	// one-shot replicators, unlimited for continuous ones.
	MaxAttempts uint

	// MaxAttemptWaitTime caps the backoff between attempts. 0 means the
	// default.
	MaxAttemptWaitTime time.Duration

	// DisableAutoPurge keeps documents the endpoint revoked access to.
	// Auto-purge only applies to endpoints with per-document access control;
	// no endpoint in this module revokes access, so nothing is purged either
	// way and the field is recorded but has no effect.
	DisableAutoPurge bool

	// AcceptParentDomainCookies also sends cookies scoped to a parent domain
	// of the endpoint host.
	AcceptParentDomainCookies bool

	// Authenticator supplies credentials for remote endpoints.
	Authenticator Authenticator

	// Proxy routes remote connections through an HTTP proxy.
	Proxy *ProxySettings

	// Headers are extra HTTP headers for the websocket handshake.
	Headers map[string]string

	// PinnedServerCertificate, when set, is the only server certificate
	// accepted (PEM or DER).
	PinnedServerCertificate []byte

	// TrustedRootCertificates replaces the system roots (PEM).
	TrustedRootCertificates []byte
}

// withDefaults returns a copy with zero values filled from the defaults
// table.
func (c Config) withDefaults() Config {
	if c.Heartbeat == 0 {
		c.Heartbeat = defaults.ReplicatorHeartbeat
	}
	if c.MaxAttempts == 0 {
		if c.Continuous {
			c.MaxAttempts = defaults.ReplicatorMaxAttemptsContinuous
		} else {
			c.MaxAttempts = defaults.ReplicatorMaxAttemptsSingleShot
		}
	}
	if c.MaxAttemptWaitTime == 0 {
		c.MaxAttemptWaitTime = defaults.ReplicatorMaxAttemptWaitTime
	}
	return c
}

// validate checks a config before the replicator starts.
func (c Config) validate() error {
	if len(c.Collections) == 0 {
		return errors.NewValidation("collections", "at least one collection is required")
	}
	database := c.Collections[0].Collection
	if database == nil {
		return errors.NewValidation("collection", "must not be nil")
	}
	for _, cc := range c.Collections {
		if cc.Collection == nil {
			return errors.NewValidation("collection", "must not be nil")
		}
		if cc.Collection.Database() != database.Database() {
			return errors.NewValidation("collections", "all collections must belong to one database")
		}
	}
	if c.Endpoint == nil {
		return errors.NewValidation("endpoint", "must not be nil")
	}
	if local, ok := c.Endpoint.(*LocalEndpoint); ok && local.db == database.Database() {
		return errors.NewValidation("endpoint", "cannot replicate a database with itself")
	}
	if c.Heartbeat < 0 {
		return errors.NewValidation("heartbeat", "must not be negative")
	}
	if c.MaxAttemptWaitTime < 0 {
		return errors.NewValidation("maxAttemptWaitTime", "must not be negative")
	}
	if c.Type != TypePushAndPull && c.Type != TypePush && c.Type != TypePull {
		return errors.NewValidation("type", "unknown replicator type")
	}
	return nil
}

// unlimitedAttempts is the MaxAttempts value meaning "retry forever".
const unlimitedAttempts = math.MaxUint32
