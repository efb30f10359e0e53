package db

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/FocuswithJustin/Bramble/core/errors"
)

// QueryRow is one document row returned to the query layer.
type QueryRow struct {
	ID         string
	Properties map[string]any
}

// indexPrefix namespaces query indexes per collection inside the shared
// documents table.
const indexPrefix = "bramble_idx_"

var indexNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// RunQuery executes a compiled filter over the collection's documents. where
// and order are SQL fragments over json_extract(body, ...) produced by the
// query compiler; limit 0 means no limit. Encrypted databases cannot evaluate
// SQL over sealed bodies and fail with ErrUnsupported, in which case callers
// fall back to AllDocuments and in-process evaluation.
func (c *Collection) RunQuery(where string, args []any, order string, limit, offset int) ([]QueryRow, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return nil, err
	}
	if c.db.key != nil {
		return nil, fmt.Errorf("SQL evaluation over encrypted bodies: %w", errors.ErrUnsupported)
	}

	q := `SELECT id, body FROM documents WHERE collection_id = ? AND deleted = 0`
	qargs := append([]any{c.id}, args...)
	if where != "" {
		q += " AND (" + where + ")"
	}
	if order != "" {
		q += " ORDER BY " + order
	}
	if limit > 0 {
		q += " LIMIT ?"
		qargs = append(qargs, limit)
		if offset > 0 {
			q += " OFFSET ?"
			qargs = append(qargs, offset)
		}
	}

	rows, err := c.db.handle().Query(q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []QueryRow
	for rows.Next() {
		var r QueryRow
		var body []byte
		if err := rows.Scan(&r.ID, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &r.Properties); err != nil {
			return nil, fmt.Errorf("document %s has corrupt body: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllDocuments returns every non-deleted document with its body decoded.
func (c *Collection) AllDocuments() ([]QueryRow, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := c.db.handle().Query(
		`SELECT id, body FROM documents WHERE collection_id = ? AND deleted = 0 ORDER BY id`,
		c.id)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	defer rows.Close()

	var out []QueryRow
	for rows.Next() {
		var r QueryRow
		var stored []byte
		if err := rows.Scan(&r.ID, &stored); err != nil {
			return nil, err
		}
		body, err := c.db.decodeBody(stored)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &r.Properties); err != nil {
			return nil, fmt.Errorf("document %s has corrupt body: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateIndex creates an expression index over the collection's documents.
// exprs are SQL fragments over json_extract(body, ...).
func (c *Collection) CreateIndex(name string, exprs []string) error {
	if !indexNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:   "index",
			Value:   name,
			Message: "index names must start with a letter and contain only letters, digits, _ and -",
		}
	}
	if len(exprs) == 0 {
		return &errors.ValidationError{Field: "expressions", Message: "at least one expression is required"}
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return err
	}
	if c.db.key != nil {
		return fmt.Errorf("indexes over encrypted bodies: %w", errors.ErrUnsupported)
	}

	stmt := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %q ON documents (%s) WHERE collection_id = %d",
		c.indexName(name), strings.Join(exprs, ", "), c.id)
	if _, err := c.db.handle().Exec(stmt); err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return nil
}

// DeleteIndex removes a query index by its user-facing name.
func (c *Collection) DeleteIndex(name string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return err
	}

	names, err := c.indexNamesLocked()
	if err != nil {
		return err
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return errors.NewNotFound("index", name)
	}

	if _, err := c.db.handle().Exec(fmt.Sprintf("DROP INDEX IF EXISTS %q", c.indexName(name))); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}
	return nil
}

// IndexNames returns the user-facing names of the collection's query indexes.
func (c *Collection) IndexNames() ([]string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return nil, err
	}
	return c.indexNamesLocked()
}

func (c *Collection) indexName(name string) string {
	return fmt.Sprintf("%s%d_%s", indexPrefix, c.id, name)
}

func (c *Collection) indexNamesLocked() ([]string, error) {
	prefix := fmt.Sprintf("%s%d_", indexPrefix, c.id)
	rows, err := c.db.handle().Query(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE ? ORDER BY name`,
		prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(full, prefix))
	}
	return names, rows.Err()
}
