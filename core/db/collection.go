package db

import (
	"database/sql"
	"fmt"
	"regexp"

	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

const (
	// DefaultScopeName is the scope every database starts with.
	DefaultScopeName = "_default"

	// DefaultCollectionName is the collection every database starts with.
	DefaultCollectionName = "_default"
)

// Collection and scope names are 1..251 characters from [A-Za-z0-9_%-] and
// may not start with _ or %. The two _default names are the only exception.
var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9-][A-Za-z0-9_%-]{0,250}$`)

func validateCollectionName(field, name string) error {
	if name == DefaultScopeName {
		return nil
	}
	if len(name) > 251 || !collectionNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:   field,
			Value:   name,
			Message: "must be 1-251 characters from A-Z, a-z, 0-9, _, - and %, not starting with _ or %",
		}
	}
	return nil
}

// Scope is a namespace for collections. The default scope always exists;
// other scopes exist while at least one collection lives under them.
type Scope struct {
	db   *Database
	name string
}

// Name returns the name of the scope.
func (s *Scope) Name() string {
	return s.name
}

// Collection is a named group of documents inside a scope.
type Collection struct {
	db    *Database
	id    int64
	scope string
	name  string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// ScopeName returns the name of the collection's scope.
func (c *Collection) ScopeName() string {
	return c.scope
}

// FullName returns "scope.collection", the form used in logs and sync
// messages.
func (c *Collection) FullName() string {
	return c.scope + "." + c.name
}

// Database returns the database the collection belongs to.
func (c *Collection) Database() *Database {
	return c.db
}

// Count returns the number of non-deleted documents in the collection.
func (c *Collection) Count() (uint64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return 0, err
	}
	var n uint64
	err := c.db.handle().QueryRow(
		`SELECT COUNT(*) FROM documents WHERE collection_id = ? AND deleted = 0`,
		c.id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// ScopeNames returns the names of all scopes. The default scope is always
// present, even when empty.
func (d *Database) ScopeNames() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := d.handle().Query(`SELECT name FROM scopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CollectionNames returns the names of all collections in the given scope.
func (d *Database) CollectionNames(scopeName string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := d.handle().Query(
		`SELECT name FROM collections WHERE scope = ? ORDER BY name`, scopeName)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Scope returns the scope with the given name, or nil if it does not exist.
func (d *Database) Scope(scopeName string) (*Scope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return nil, err
	}
	var name string
	err := d.handle().QueryRow(`SELECT name FROM scopes WHERE name = ?`, scopeName).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up scope: %w", err)
	}
	return &Scope{db: d, name: name}, nil
}

// DefaultScope returns the default scope.
func (d *Database) DefaultScope() (*Scope, error) {
	s, err := d.Scope(DefaultScopeName)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.NewNotFound("scope", DefaultScopeName)
	}
	return s, nil
}

// Collection returns the collection with the given name and scope, or nil if
// it does not exist.
func (d *Database) Collection(collectionName, scopeName string) (*Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return nil, err
	}
	return d.lookupCollection(collectionName, scopeName)
}

// lookupCollection fetches a collection row. Callers must hold d.mu.
func (d *Database) lookupCollection(collectionName, scopeName string) (*Collection, error) {
	var id int64
	err := d.handle().QueryRow(
		`SELECT id FROM collections WHERE scope = ? AND name = ?`,
		scopeName, collectionName).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up collection: %w", err)
	}
	return &Collection{db: d, id: id, scope: scopeName, name: collectionName}, nil
}

// DefaultCollection returns the default collection.
func (d *Database) DefaultCollection() (*Collection, error) {
	col, err := d.Collection(DefaultCollectionName, DefaultScopeName)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, errors.NewNotFound("collection", DefaultCollectionName)
	}
	return col, nil
}

// CreateCollection creates a collection in the given scope, creating the
// scope as needed. If the collection already exists it is returned as is.
func (d *Database) CreateCollection(collectionName, scopeName string) (*Collection, error) {
	if err := validateCollectionName("collection", collectionName); err != nil {
		return nil, err
	}
	if err := validateCollectionName("scope", scopeName); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return nil, err
	}

	h := d.handle()
	if _, err := h.Exec(`INSERT OR IGNORE INTO scopes (name) VALUES (?)`, scopeName); err != nil {
		return nil, fmt.Errorf("failed to create scope: %w", err)
	}
	if _, err := h.Exec(
		`INSERT OR IGNORE INTO collections (scope, name) VALUES (?, ?)`,
		scopeName, collectionName); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	col, err := d.lookupCollection(collectionName, scopeName)
	if err != nil {
		return nil, err
	}
	logging.Verbose(logging.DomainDatabase, "collection %s.%s ready", scopeName, collectionName)
	return col, nil
}

// DeleteCollection deletes a collection and its documents. The default
// collection cannot be deleted. Deleting the last collection of a scope
// removes the scope as well.
func (d *Database) DeleteCollection(collectionName, scopeName string) error {
	if collectionName == DefaultCollectionName && scopeName == DefaultScopeName {
		return &errors.ValidationError{
			Field:   "collection",
			Message: "the default collection cannot be deleted",
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return err
	}

	col, err := d.lookupCollection(collectionName, scopeName)
	if err != nil {
		return err
	}
	if col == nil {
		return errors.NewNotFound("collection", scopeName+"."+collectionName)
	}

	h := d.handle()
	if _, err := h.Exec(`DELETE FROM documents WHERE collection_id = ?`, col.id); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if _, err := h.Exec(`DELETE FROM collections WHERE id = ?`, col.id); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	// Drop the scope once it has no collections left. The default scope is
	// permanent.
	if scopeName != DefaultScopeName {
		if _, err := h.Exec(`
			DELETE FROM scopes WHERE name = ?
			AND NOT EXISTS (SELECT 1 FROM collections WHERE scope = ?)`,
			scopeName, scopeName); err != nil {
			return fmt.Errorf("failed to prune scope: %w", err)
		}
	}
	return nil
}

// Collections returns all collections in the scope.
func (s *Scope) Collections() ([]*Collection, error) {
	names, err := s.db.CollectionNames(s.name)
	if err != nil {
		return nil, err
	}
	cols := make([]*Collection, 0, len(names))
	for _, name := range names {
		col, err := s.db.Collection(name, s.name)
		if err != nil {
			return nil, err
		}
		if col != nil {
			cols = append(cols, col)
		}
	}
	return cols, nil
}

// Collection returns the named collection in the scope, or nil if absent.
func (s *Scope) Collection(collectionName string) (*Collection, error) {
	return s.db.Collection(collectionName, s.name)
}
