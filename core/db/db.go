// Package db implements the embedded JSON document database: named databases
// on disk, scopes and collections, documents with revision tracking, document
// expiration, and change notifications.
//
// A database is a directory named <name>.bramble containing a single SQLite
// file. The SQLite driver is selected by core/sqlite (pure Go by default,
// CGO behind the cgo_sqlite build tag).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
	"github.com/FocuswithJustin/Bramble/core/sqlite"
	"github.com/FocuswithJustin/Bramble/internal/fileutil"
)

const (
	// dirSuffix is appended to the database name to form its on-disk
	// directory.
	dirSuffix = ".bramble"

	// dataFileName is the SQLite file inside the database directory.
	dataFileName = "db.sqlite3"

	// expirySweepInterval is how often expired documents are purged.
	expirySweepInterval = 15 * time.Second
)

var dbNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,239}$`)

// Config holds database configuration options.
type Config struct {
	// Directory is where the database directory is created. Required.
	Directory string

	// EncryptionKey encrypts document bodies at rest when set.
	EncryptionKey *EncryptionKey
}

// Database is a connection to an open database. Multiple Database instances
// may be open on the same file; each must be closed independently.
type Database struct {
	name string
	dir  string

	mu      sync.Mutex
	sqldb   *sql.DB
	key     *EncryptionKey
	closed  bool
	tx      *sql.Tx
	txDepth int

	notify *notifier

	stopExpiry chan struct{}
	expiryDone chan struct{}
}

// openPaths tracks open database directories so deletion of an open database
// can be refused.
var (
	openMu    sync.Mutex
	openPaths = map[string]int{}
)

func validateDatabaseName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:   "name",
			Value:   name,
			Message: "database names must start with a letter or digit and contain only letters, digits, _ and -",
		}
	}
	return nil
}

// Open opens a database, creating it if it does not exist yet.
func Open(name string, config *Config) (*Database, error) {
	if err := validateDatabaseName(name); err != nil {
		return nil, err
	}
	if config == nil || config.Directory == "" {
		return nil, &errors.ValidationError{Field: "directory", Message: "must not be empty"}
	}

	dir := filepath.Join(config.Directory, name+dirSuffix)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewIO("create", dir, err)
	}

	sqldb, err := sqlite.Open(filepath.Join(dir, dataFileName))
	if err != nil {
		return nil, errors.NewIO("open", dir, err)
	}
	// SQLite serializes writers; a single connection avoids busy errors from
	// the pure Go driver under concurrent transactions.
	sqldb.SetMaxOpenConns(1)

	d := &Database{
		name:       name,
		dir:        dir,
		sqldb:      sqldb,
		key:        config.EncryptionKey,
		notify:     newNotifier(),
		stopExpiry: make(chan struct{}),
		expiryDone: make(chan struct{}),
	}
	if err := d.initSchema(); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := d.checkEncryption(); err != nil {
		sqldb.Close()
		return nil, err
	}

	openMu.Lock()
	openPaths[dir]++
	openMu.Unlock()

	go d.expiryLoop()

	logging.Info(logging.DomainDatabase, "opened database %s at %s", name, dir)
	return d, nil
}

// Exists reports whether a database with the given name exists in directory.
func Exists(name, directory string) bool {
	info, err := os.Stat(filepath.Join(directory, name+dirSuffix))
	return err == nil && info.IsDir()
}

// DeleteFile deletes a closed database's files. It returns (false, nil) if
// the database does not exist, and an error if it is currently open.
func DeleteFile(name, directory string) (bool, error) {
	dir := filepath.Join(directory, name+dirSuffix)

	openMu.Lock()
	inUse := openPaths[dir] > 0
	openMu.Unlock()
	if inUse {
		return false, fmt.Errorf("cannot delete %s: %w: database is open", name, errors.ErrInvalidInput)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, errors.NewIO("delete", dir, err)
	}
	return true, nil
}

// Copy duplicates a closed database under a new name in the target
// directory. The source must not be open and the target must not exist.
func Copy(name, directory, toName string, toConfig *Config) error {
	if err := validateDatabaseName(toName); err != nil {
		return err
	}
	if toConfig == nil || toConfig.Directory == "" {
		return &errors.ValidationError{Field: "directory", Message: "must not be empty"}
	}

	src := filepath.Join(directory, name+dirSuffix)
	dst := filepath.Join(toConfig.Directory, toName+dirSuffix)

	openMu.Lock()
	inUse := openPaths[src] > 0
	openMu.Unlock()
	if inUse {
		return fmt.Errorf("cannot copy %s: %w: database is open", name, errors.ErrInvalidInput)
	}

	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return errors.NewNotFound("database", name)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("cannot copy to %s: %w: database already exists", toName, errors.ErrInvalidInput)
	}

	if err := fileutil.CopyDir(src, dst); err != nil {
		return errors.NewIO("copy", dst, err)
	}
	return nil
}

func (d *Database) initSchema() error {
	_, err := d.sqldb.Exec(`
		CREATE TABLE IF NOT EXISTS scopes (
			name TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS collections (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			scope  TEXT NOT NULL,
			name   TEXT NOT NULL,
			UNIQUE (scope, name)
		);
		CREATE TABLE IF NOT EXISTS documents (
			collection_id INTEGER NOT NULL,
			id            TEXT NOT NULL,
			rev_id        TEXT NOT NULL,
			sequence      INTEGER NOT NULL,
			deleted       INTEGER NOT NULL DEFAULT 0,
			expiration    INTEGER NOT NULL DEFAULT 0,
			body          BLOB NOT NULL,
			PRIMARY KEY (collection_id, id)
		);
		CREATE INDEX IF NOT EXISTS documents_by_sequence
			ON documents (collection_id, sequence);
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB
		);
		INSERT OR IGNORE INTO scopes (name) VALUES ('` + DefaultScopeName + `');
		INSERT OR IGNORE INTO collections (scope, name)
			VALUES ('` + DefaultScopeName + `', '` + DefaultCollectionName + `');
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// handle returns the current statement executor: the open transaction when one
// is active, otherwise the database connection. Callers must hold d.mu.
func (d *Database) handle() executor {
	if d.tx != nil {
		return d.tx
	}
	return d.sqldb
}

// executor is the subset of database/sql used by document operations, so they
// run the same inside and outside transactions.
type executor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (d *Database) checkClosed() error {
	if d.closed {
		return fmt.Errorf("database %s: %w", d.name, errors.ErrClosed)
	}
	return nil
}

// Name returns the database's name.
func (d *Database) Name() string {
	return d.name
}

// Path returns the database's full filesystem path.
func (d *Database) Path() string {
	return d.dir
}

// Count returns the number of (non-deleted) documents in the default
// collection.
func (d *Database) Count() (uint64, error) {
	col, err := d.DefaultCollection()
	if err != nil {
		return 0, err
	}
	return col.Count()
}

// Close closes an open database. Further operations fail with ErrClosed.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopExpiry)
	<-d.expiryDone

	openMu.Lock()
	if openPaths[d.dir] > 0 {
		openPaths[d.dir]--
	}
	openMu.Unlock()

	if err := d.sqldb.Close(); err != nil {
		return errors.NewIO("close", d.dir, err)
	}
	logging.Info(logging.DomainDatabase, "closed database %s", d.name)
	return nil
}

// Delete closes the database and deletes its files. It fails if another
// connection to the same database is still open.
func (d *Database) Delete() error {
	dir := d.dir
	if err := d.Close(); err != nil {
		return err
	}

	openMu.Lock()
	inUse := openPaths[dir] > 0
	openMu.Unlock()
	if inUse {
		return fmt.Errorf("cannot delete %s: %w: other connections are open", d.name, errors.ErrInvalidInput)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewIO("delete", dir, err)
	}
	return nil
}

// InTransaction invokes fn inside a database transaction. Grouped writes are
// much faster than individual ones, and changes are not visible to other
// connections until the transaction commits. Transactions nest: inner
// transactions use savepoints and nothing commits until the outermost one
// returns.
func (d *Database) InTransaction(fn func() error) error {
	d.mu.Lock()
	if err := d.checkClosed(); err != nil {
		d.mu.Unlock()
		return err
	}

	if d.tx != nil {
		// Nested: run under a savepoint on the existing transaction.
		depth := d.txDepth
		d.txDepth++
		sp := fmt.Sprintf("bramble_sp_%d", depth)
		if _, err := d.tx.Exec("SAVEPOINT " + sp); err != nil {
			d.txDepth--
			d.mu.Unlock()
			return fmt.Errorf("failed to begin nested transaction: %w", err)
		}
		d.mu.Unlock()

		mark := d.notify.mark()
		err := fn()

		d.mu.Lock()
		d.txDepth--
		if err != nil {
			d.tx.Exec("ROLLBACK TO " + sp)
			d.notify.truncate(mark)
		}
		d.tx.Exec("RELEASE " + sp)
		d.mu.Unlock()
		return err
	}

	tx, err := d.sqldb.Begin()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	d.tx = tx
	d.txDepth = 1
	d.mu.Unlock()

	err = fn()

	d.mu.Lock()
	d.tx = nil
	d.txDepth = 0
	d.mu.Unlock()

	if err != nil {
		tx.Rollback()
		d.notify.discardPending()
		return err
	}
	if err := tx.Commit(); err != nil {
		d.notify.discardPending()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	d.notify.flushCommitted()
	return nil
}

// MaintenanceType selects a PerformMaintenance operation.
type MaintenanceType int

const (
	// MaintenanceCompact rewrites the database file, freeing unused space.
	MaintenanceCompact MaintenanceType = iota
	// MaintenanceReindex rebuilds all indexes.
	MaintenanceReindex
	// MaintenanceIntegrityCheck verifies the file's internal consistency.
	MaintenanceIntegrityCheck
	// MaintenanceOptimize refreshes query planner statistics.
	MaintenanceOptimize
	// MaintenanceFullOptimize runs a deeper optimize pass.
	MaintenanceFullOptimize
)

// PerformMaintenance runs a maintenance operation on the database file.
func (d *Database) PerformMaintenance(t MaintenanceType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return err
	}
	if d.tx != nil {
		return fmt.Errorf("maintenance cannot run inside a transaction: %w", errors.ErrInvalidInput)
	}

	var stmt string
	switch t {
	case MaintenanceCompact:
		stmt = "VACUUM"
	case MaintenanceReindex:
		stmt = "REINDEX"
	case MaintenanceIntegrityCheck:
		var result string
		if err := d.sqldb.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity check reported: %s: %w", result, errors.ErrInternal)
		}
		return nil
	case MaintenanceOptimize:
		stmt = "PRAGMA optimize"
	case MaintenanceFullOptimize:
		stmt = "PRAGMA analysis_limit=0; ANALYZE"
	default:
		return fmt.Errorf("unknown maintenance type %d: %w", t, errors.ErrInvalidInput)
	}
	if _, err := d.sqldb.Exec(stmt); err != nil {
		return fmt.Errorf("maintenance failed: %w", err)
	}
	logging.Verbose(logging.DomainDatabase, "maintenance %d completed on %s", int(t), d.name)
	return nil
}

// nextSequence allocates the next database-wide document sequence. Callers
// must hold d.mu.
func (d *Database) nextSequence(h executor) (uint64, error) {
	if _, err := h.Exec(`
		INSERT INTO kv (key, value) VALUES ('lastSequence', 1)
		ON CONFLICT (key) DO UPDATE SET value = value + 1`); err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	var seq uint64
	if err := h.QueryRow(`SELECT value FROM kv WHERE key = 'lastSequence'`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

// LastSequence returns the most recently allocated document sequence.
func (d *Database) LastSequence() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkClosed(); err != nil {
		return 0, err
	}
	var seq uint64
	err := d.handle().QueryRow(`SELECT value FROM kv WHERE key = 'lastSequence'`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

// expiryLoop purges expired documents until the database closes.
func (d *Database) expiryLoop() {
	defer close(d.expiryDone)
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopExpiry:
			return
		case <-ticker.C:
			if n, err := d.purgeExpired(); err != nil {
				logging.Warn(logging.DomainDatabase, "expiry sweep failed: %v", err)
			} else if n > 0 {
				logging.Verbose(logging.DomainDatabase, "purged %d expired documents", n)
			}
		}
	}
}

// purgeExpired removes every document whose expiration time has passed.
func (d *Database) purgeExpired() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.tx != nil {
		return 0, nil
	}
	res, err := d.handle().Exec(
		`DELETE FROM documents WHERE expiration > 0 AND expiration <= ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
