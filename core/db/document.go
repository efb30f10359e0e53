package db

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

// ConcurrencyControl selects how a save or delete behaves when the document
// changed since it was read.
type ConcurrencyControl int

const (
	// LastWriteWins overwrites the stored revision unconditionally.
	LastWriteWins ConcurrencyControl = iota
	// FailOnConflict fails with a ConflictError instead of overwriting.
	FailOnConflict
)

// Document is a JSON document. A document read from a collection carries its
// revision ID and sequence; a freshly created one has neither until saved.
type Document struct {
	id       string
	revID    string
	sequence uint64
	deleted  bool
	props    map[string]any
}

// NewDocument creates an empty document with a generated UUID id.
func NewDocument() *Document {
	return NewDocumentWithID(uuid.NewString())
}

// NewDocumentWithID creates an empty document with the given id.
func NewDocumentWithID(id string) *Document {
	return &Document{id: id, props: map[string]any{}}
}

// ID returns the document id.
func (doc *Document) ID() string { return doc.id }

// RevisionID returns the stored revision this document is based on, or ""
// for a document that was never saved.
func (doc *Document) RevisionID() string { return doc.revID }

// Sequence returns the database sequence assigned when the document was last
// saved, or 0 for an unsaved document.
func (doc *Document) Sequence() uint64 { return doc.sequence }

// Properties returns the document's body. The map is live; mutating it
// mutates the document.
func (doc *Document) Properties() map[string]any {
	if doc.props == nil {
		doc.props = map[string]any{}
	}
	return doc.props
}

// SetProperties replaces the document's body.
func (doc *Document) SetProperties(props map[string]any) {
	doc.props = props
}

// Set stores one property.
func (doc *Document) Set(key string, value any) {
	doc.Properties()[key] = value
}

// Get returns one property, or nil if absent.
func (doc *Document) Get(key string) any {
	return doc.Properties()[key]
}

// revGeneration extracts the generation number from a revision id of the form
// "<generation>-<digest>". An empty revision is generation 0.
func revGeneration(revID string) uint64 {
	if revID == "" {
		return 0
	}
	dash := strings.IndexByte(revID, '-')
	if dash < 0 {
		return 0
	}
	gen, err := strconv.ParseUint(revID[:dash], 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

// makeRevID builds the next revision id. The digest covers the parent
// revision and the body so identical edits on different peers converge.
func makeRevID(parent string, body []byte, deleted bool) string {
	h := blake3.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	sum := h.Sum(nil)
	return fmt.Sprintf("%d-%s", revGeneration(parent)+1, hex.EncodeToString(sum[:6]))
}

// storedDoc is the raw row form of a document.
type storedDoc struct {
	revID    string
	sequence uint64
	deleted  bool
	body     []byte
}

// loadDoc fetches a document row, nil if absent. Callers must hold d.mu.
func (c *Collection) loadDoc(id string) (*storedDoc, error) {
	var s storedDoc
	var deleted int
	err := c.db.handle().QueryRow(
		`SELECT rev_id, sequence, deleted, body FROM documents
		WHERE collection_id = ? AND id = ?`, c.id, id).
		Scan(&s.revID, &s.sequence, &deleted, &s.body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	s.deleted = deleted != 0
	return &s, nil
}

// GetDocument returns the document with the given id, or nil if it does not
// exist or has been deleted.
func (c *Collection) GetDocument(id string) (*Document, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return nil, err
	}
	s, err := c.loadDoc(id)
	if err != nil || s == nil || s.deleted {
		return nil, err
	}
	return c.db.decodeDoc(id, s)
}

// decodeDoc turns a stored row into a Document. Callers must hold d.mu.
func (d *Database) decodeDoc(id string, s *storedDoc) (*Document, error) {
	body, err := d.decodeBody(s.body)
	if err != nil {
		return nil, err
	}
	var props map[string]any
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, fmt.Errorf("document %s has corrupt body: %w", id, err)
	}
	return &Document{
		id:       id,
		revID:    s.revID,
		sequence: s.sequence,
		deleted:  s.deleted,
		props:    props,
	}, nil
}

// Save saves the document with LastWriteWins concurrency control.
func (c *Collection) Save(doc *Document) error {
	return c.SaveWithConcurrencyControl(doc, LastWriteWins)
}

// SaveWithConcurrencyControl saves the document. With FailOnConflict the save
// fails with a ConflictError when the stored revision is not the one the
// document was read at.
func (c *Collection) SaveWithConcurrencyControl(doc *Document, cc ConcurrencyControl) error {
	defer c.db.notify.flushImmediate()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return err
	}
	return c.saveLocked(doc, cc, false)
}

// ConflictHandler decides a save conflict. It receives the document being
// saved and the current stored document (nil if it was purged); returning
// false abandons the save.
type ConflictHandler func(doc *Document, current *Document) bool

// SaveResolving saves the document, invoking handler on conflict. The handler
// may mutate doc; returning true retries the save against the now-current
// revision.
func (c *Collection) SaveResolving(doc *Document, handler ConflictHandler) error {
	for {
		err := c.SaveWithConcurrencyControl(doc, FailOnConflict)
		var conflict *errors.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}

		current, getErr := c.GetDocument(doc.id)
		if getErr != nil {
			return getErr
		}
		if !handler(doc, current) {
			return err
		}
		// Rebase onto the revision the handler saw and try again.
		c.db.mu.Lock()
		s, loadErr := c.loadDoc(doc.id)
		c.db.mu.Unlock()
		if loadErr != nil {
			return loadErr
		}
		if s != nil {
			doc.revID = s.revID
		} else {
			doc.revID = ""
		}
	}
}

// saveLocked writes a new revision. Callers must hold d.mu.
func (c *Collection) saveLocked(doc *Document, cc ConcurrencyControl, deleting bool) error {
	current, err := c.loadDoc(doc.id)
	if err != nil {
		return err
	}

	currentRev := ""
	if current != nil {
		currentRev = current.revID
	}
	if doc.revID != currentRev {
		if cc == FailOnConflict {
			return errors.NewConflict(doc.id, doc.revID, currentRev)
		}
		// LastWriteWins rebases the save onto the stored revision so the
		// generation keeps increasing.
		doc.revID = currentRev
	}

	if deleting {
		doc.props = map[string]any{}
	}
	body, err := json.Marshal(doc.Properties())
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.id, err)
	}
	newRev := makeRevID(doc.revID, body, deleting)

	stored, err := c.db.encodeBody(body)
	if err != nil {
		return fmt.Errorf("failed to encrypt document %s: %w", doc.id, err)
	}

	h := c.db.handle()
	seq, err := c.db.nextSequence(h)
	if err != nil {
		return err
	}
	deleted := 0
	if deleting {
		deleted = 1
	}
	if _, err := h.Exec(`
		INSERT INTO documents (collection_id, id, rev_id, sequence, deleted, expiration, body)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (collection_id, id) DO UPDATE SET
			rev_id = excluded.rev_id,
			sequence = excluded.sequence,
			deleted = excluded.deleted,
			body = excluded.body`,
		c.id, doc.id, newRev, seq, deleted, stored); err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.id, err)
	}

	doc.revID = newRev
	doc.sequence = seq
	doc.deleted = deleting

	c.db.notify.post(change{
		collectionID: c.id,
		scope:        c.scope,
		collection:   c.name,
		docID:        doc.id,
	}, c.db.tx != nil)
	return nil
}

// Delete deletes the document with LastWriteWins concurrency control.
func (c *Collection) Delete(doc *Document) error {
	return c.DeleteWithConcurrencyControl(doc, LastWriteWins)
}

// DeleteWithConcurrencyControl deletes the document, writing a tombstone
// revision so the deletion replicates.
func (c *Collection) DeleteWithConcurrencyControl(doc *Document, cc ConcurrencyControl) error {
	defer c.db.notify.flushImmediate()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return err
	}
	s, err := c.loadDoc(doc.id)
	if err != nil {
		return err
	}
	if s == nil {
		return errors.NewNotFound("document", doc.id)
	}
	return c.saveLocked(doc, cc, true)
}

// Purge removes the document and its revision history entirely. Purges are
// local only; they do not replicate.
func (c *Collection) Purge(doc *Document) error {
	return c.PurgeByID(doc.id)
}

// PurgeByID removes the document with the given id entirely.
func (c *Collection) PurgeByID(id string) error {
	defer c.db.notify.flushImmediate()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return err
	}
	res, err := c.db.handle().Exec(
		`DELETE FROM documents WHERE collection_id = ? AND id = ?`, c.id, id)
	if err != nil {
		return fmt.Errorf("failed to purge document %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.NewNotFound("document", id)
	}
	c.db.notify.post(change{
		collectionID: c.id,
		scope:        c.scope,
		collection:   c.name,
		docID:        id,
	}, c.db.tx != nil)
	return nil
}

// GetDocumentExpiration returns the document's expiration time, or the zero
// time if no expiration is set.
func (c *Collection) GetDocumentExpiration(id string) (time.Time, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return time.Time{}, err
	}
	var exp int64
	err := c.db.handle().QueryRow(
		`SELECT expiration FROM documents WHERE collection_id = ? AND id = ?`,
		c.id, id).Scan(&exp)
	if err == sql.ErrNoRows {
		return time.Time{}, errors.NewNotFound("document", id)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read expiration: %w", err)
	}
	if exp == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(exp), nil
}

// SetDocumentExpiration sets the time after which the document is purged
// automatically. The zero time clears the expiration.
func (c *Collection) SetDocumentExpiration(id string, when time.Time) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return err
	}
	var exp int64
	if !when.IsZero() {
		exp = when.UnixMilli()
	}
	res, err := c.db.handle().Exec(
		`UPDATE documents SET expiration = ? WHERE collection_id = ? AND id = ?`,
		exp, c.id, id)
	if err != nil {
		return fmt.Errorf("failed to set expiration: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.NewNotFound("document", id)
	}
	return nil
}

// ChangeEntry describes one document revision in sequence order, as consumed
// by the replicator.
type ChangeEntry struct {
	DocID    string
	RevID    string
	Sequence uint64
	Deleted  bool
	Body     map[string]any
}

// ChangesSince returns documents changed after the given sequence, oldest
// first, up to limit entries (0 means no limit).
func (c *Collection) ChangesSince(since uint64, limit int) ([]ChangeEntry, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return nil, err
	}

	q := `SELECT id, rev_id, sequence, deleted, body FROM documents
		WHERE collection_id = ? AND sequence > ? ORDER BY sequence`
	args := []any{c.id, since}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.handle().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var deleted int
		var stored []byte
		if err := rows.Scan(&e.DocID, &e.RevID, &e.Sequence, &deleted, &stored); err != nil {
			return nil, err
		}
		e.Deleted = deleted != 0
		body, err := c.db.decodeBody(stored)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &e.Body); err != nil {
			return nil, fmt.Errorf("document %s has corrupt body: %w", e.DocID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutExisting stores a revision received from another database. The incoming
// revision wins when its generation is higher, or equal with a greater
// revision id; otherwise the local revision is kept and (false, nil) is
// returned.
func (c *Collection) PutExisting(id, revID string, body map[string]any, deleted bool) (bool, error) {
	defer c.db.notify.flushImmediate()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.checkClosed(); err != nil {
		return false, err
	}

	current, err := c.loadDoc(id)
	if err != nil {
		return false, err
	}
	if current != nil {
		if current.revID == revID {
			return false, nil
		}
		curGen, newGen := revGeneration(current.revID), revGeneration(revID)
		if newGen < curGen || (newGen == curGen && revID < current.revID) {
			logging.Verbose(logging.DomainDatabase,
				"kept local revision %s of %s over incoming %s", current.revID, id, revID)
			return false, nil
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	stored, err := c.db.encodeBody(raw)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt document %s: %w", id, err)
	}

	h := c.db.handle()
	seq, err := c.db.nextSequence(h)
	if err != nil {
		return false, err
	}
	del := 0
	if deleted {
		del = 1
	}
	if _, err := h.Exec(`
		INSERT INTO documents (collection_id, id, rev_id, sequence, deleted, expiration, body)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (collection_id, id) DO UPDATE SET
			rev_id = excluded.rev_id,
			sequence = excluded.sequence,
			deleted = excluded.deleted,
			body = excluded.body`,
		c.id, id, revID, seq, del, stored); err != nil {
		return false, fmt.Errorf("failed to store document %s: %w", id, err)
	}

	c.db.notify.post(change{
		collectionID: c.id,
		scope:        c.scope,
		collection:   c.name,
		docID:        id,
	}, c.db.tx != nil)
	return true, nil
}

// GetCheckpoint returns a replication checkpoint value, "" if unset.
func (d *Database) GetCheckpoint(key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return "", err
	}
	var value string
	err := d.handle().QueryRow(
		`SELECT value FROM kv WHERE key = ?`, "checkpoint:"+key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return value, nil
}

// SetCheckpoint stores a replication checkpoint value.
func (d *Database) SetCheckpoint(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return err
	}
	if _, err := d.handle().Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		"checkpoint:"+key, value); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}
