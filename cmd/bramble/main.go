// Command bramble is the CLI tool for the Bramble embedded database.
// It provides commands for inspecting databases, editing documents, running
// queries, replicating, and serving a database to remote replicators.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/defaults"
	"github.com/FocuswithJustin/Bramble/core/edition"
	"github.com/FocuswithJustin/Bramble/core/listener"
	"github.com/FocuswithJustin/Bramble/core/logging"
	"github.com/FocuswithJustin/Bramble/core/query"
	"github.com/FocuswithJustin/Bramble/core/replicator"
	"github.com/FocuswithJustin/Bramble/core/sqlite"
)

// dataFileName is the database file inside a database directory.
const dataFileName = "db.sqlite3"

// CLI defines the command-line interface for bramble.
var CLI struct {
	// Global flags
	Dir      string `name:"dir" short:"d" default:"." help:"Directory holding database directories" type:"path"`
	Password string `name:"password" env:"BRAMBLE_PASSWORD" help:"Encryption password for the database"`
	Verbose  bool   `name:"verbose" short:"v" help:"Verbose console logging"`

	// Command groups (noun-first organization)
	Db        DbGroup      `cmd:"" help:"Database operations (create, info, compact, backup, delete)"`
	Doc       DocGroup     `cmd:"" help:"Document operations (get, put, delete, list)"`
	Query     QueryCmd     `cmd:"" help:"Run a query against a collection"`
	Index     IndexGroup   `cmd:"" help:"Index management"`
	Replicate ReplicateCmd `cmd:"" help:"Replicate a database with a remote endpoint"`
	Serve     ServeCmd     `cmd:"" help:"Serve a database to remote replicators"`
	Version   VersionCmd   `cmd:"" help:"Print version information"`
}

// DbGroup contains database lifecycle operations.
type DbGroup struct {
	Create  DbCreateCmd  `cmd:"" help:"Create a database (a no-op if it exists)"`
	Info    DbInfoCmd    `cmd:"" help:"Show database contents summary"`
	Compact DbCompactCmd `cmd:"" help:"Run a maintenance operation"`
	Copy    DbCopyCmd    `cmd:"" help:"Copy a closed database under a new name"`
	Backup  DbBackupCmd  `cmd:"" help:"Write an xz-compressed backup"`
	Restore DbRestoreCmd `cmd:"" help:"Restore a database from a backup"`
	Delete  DbDeleteCmd  `cmd:"" help:"Delete a database from disk"`
	Rekey   DbRekeyCmd   `cmd:"" help:"Change the encryption password"`
}

// DocGroup contains document operations.
type DocGroup struct {
	Get    DocGetCmd    `cmd:"" help:"Print a document as JSON"`
	Put    DocPutCmd    `cmd:"" help:"Save a document from JSON"`
	Delete DocDeleteCmd `cmd:"" help:"Delete a document"`
	List   DocListCmd   `cmd:"" help:"List document IDs in a collection"`
}

// IndexGroup contains index operations.
type IndexGroup struct {
	Create IndexCreateCmd `cmd:"" help:"Create a value index"`
	List   IndexListCmd   `cmd:"" help:"List indexes on a collection"`
	Delete IndexDeleteCmd `cmd:"" help:"Delete an index"`
}

// openDatabase opens a database under the global directory, deriving an
// encryption key from the global password when one is set.
func openDatabase(name string) (*db.Database, error) {
	config := &db.Config{Directory: CLI.Dir}
	if CLI.Password != "" {
		key, err := db.EncryptionKeyFromPassword(CLI.Password)
		if err != nil {
			return nil, err
		}
		config.EncryptionKey = key
	}
	return db.Open(name, config)
}

// openCollection opens a database and one of its collections.
func openCollection(name, collection, scope string) (*db.Database, *db.Collection, error) {
	d, err := openDatabase(name)
	if err != nil {
		return nil, nil, err
	}
	col, err := d.Collection(collection, scope)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	if col == nil {
		d.Close()
		return nil, nil, fmt.Errorf("collection %s.%s does not exist", scope, collection)
	}
	return d, col, nil
}

// collectionFlags are shared by commands that address one collection.
type collectionFlags struct {
	Collection string `name:"collection" short:"c" default:"_default" help:"Collection name"`
	Scope      string `name:"scope" short:"s" default:"_default" help:"Scope name"`
}

// DbCreateCmd creates a database, and optionally collections inside it.
type DbCreateCmd struct {
	Name        string   `arg:"" help:"Database name"`
	Collections []string `help:"Collections to create, as name or scope.name"`
}

func (c *DbCreateCmd) Run() error {
	d, err := openDatabase(c.Name)
	if err != nil {
		return err
	}
	defer d.Close()

	for _, spec := range c.Collections {
		scope, name := db.DefaultScopeName, spec
		if i := strings.IndexByte(spec, '.'); i >= 0 {
			scope, name = spec[:i], spec[i+1:]
		}
		if _, err := d.CreateCollection(name, scope); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", spec, err)
		}
	}

	fmt.Printf("Created: %s\n", d.Path())
	return nil
}

// DbInfoCmd prints a summary of a database's contents.
type DbInfoCmd struct {
	Name string `arg:"" help:"Database name"`
}

func (c *DbInfoCmd) Run() error {
	d, err := openDatabase(c.Name)
	if err != nil {
		return err
	}
	defer d.Close()

	count, err := d.Count()
	if err != nil {
		return err
	}
	seq, err := d.LastSequence()
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n", d.Name())
	fmt.Printf("  Path: %s\n", d.Path())
	fmt.Printf("  Documents: %d\n", count)
	fmt.Printf("  Last sequence: %d\n", seq)

	scopes, err := d.ScopeNames()
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		names, err := d.CollectionNames(scope)
		if err != nil {
			return err
		}
		for _, name := range names {
			col, err := d.Collection(name, scope)
			if err != nil {
				return err
			}
			n, err := col.Count()
			if err != nil {
				return err
			}
			fmt.Printf("  %s.%s: %d documents\n", scope, name, n)
		}
	}
	return nil
}

// DbCompactCmd runs a maintenance operation on the database file.
type DbCompactCmd struct {
	Name string `arg:"" help:"Database name"`
	Type string `default:"compact" enum:"compact,reindex,integrity-check,optimize,full-optimize" help:"Maintenance operation"`
}

func (c *DbCompactCmd) Run() error {
	d, err := openDatabase(c.Name)
	if err != nil {
		return err
	}
	defer d.Close()

	var t db.MaintenanceType
	switch c.Type {
	case "compact":
		t = db.MaintenanceCompact
	case "reindex":
		t = db.MaintenanceReindex
	case "integrity-check":
		t = db.MaintenanceIntegrityCheck
	case "optimize":
		t = db.MaintenanceOptimize
	case "full-optimize":
		t = db.MaintenanceFullOptimize
	}
	if err := d.PerformMaintenance(t); err != nil {
		return err
	}
	fmt.Printf("Maintenance %s complete\n", c.Type)
	return nil
}

// DbCopyCmd copies a closed database under a new name.
type DbCopyCmd struct {
	Name   string `arg:"" help:"Database name"`
	ToName string `arg:"" help:"Name of the copy"`
}

func (c *DbCopyCmd) Run() error {
	if err := db.Copy(c.Name, CLI.Dir, c.ToName, &db.Config{Directory: CLI.Dir}); err != nil {
		return err
	}
	fmt.Printf("Copied %s to %s\n", c.Name, c.ToName)
	return nil
}

// DbBackupCmd writes an xz-compressed copy of the database file. The
// database is compacted first so the backup carries no free pages.
type DbBackupCmd struct {
	Name string `arg:"" help:"Database name"`
	Out  string `required:"" help:"Output backup path" type:"path"`
}

func (c *DbBackupCmd) Run() error {
	d, err := openDatabase(c.Name)
	if err != nil {
		return err
	}
	if err := d.PerformMaintenance(db.MaintenanceCompact); err != nil {
		d.Close()
		return err
	}
	path := d.Path()
	if err := d.Close(); err != nil {
		return err
	}

	in, err := os.Open(filepath.Join(path, dataFileName))
	if err != nil {
		return fmt.Errorf("failed to open database file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", c.Out, err)
	}
	w, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Backup written: %s\n", c.Out)
	return nil
}

// DbRestoreCmd recreates a database from a backup. The target database must
// not already exist.
type DbRestoreCmd struct {
	Backup string `arg:"" help:"Backup file to restore" type:"existingfile"`
	Name   string `arg:"" help:"Database name to create"`
}

func (c *DbRestoreCmd) Run() error {
	if db.Exists(c.Name, CLI.Dir) {
		return fmt.Errorf("database %s already exists", c.Name)
	}

	in, err := os.Open(c.Backup)
	if err != nil {
		return err
	}
	defer in.Close()
	r, err := xz.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	// Open creates the directory; restore over the empty database file.
	d, err := openDatabase(c.Name)
	if err != nil {
		return err
	}
	path := d.Path()
	if err := d.Close(); err != nil {
		return err
	}

	out, err := os.Create(filepath.Join(path, dataFileName))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to decompress: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Restored: %s\n", path)
	return nil
}

// DbDeleteCmd deletes a database from disk.
type DbDeleteCmd struct {
	Name string `arg:"" help:"Database name"`
}

func (c *DbDeleteCmd) Run() error {
	deleted, err := db.DeleteFile(c.Name, CLI.Dir)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("database %s does not exist", c.Name)
	}
	fmt.Printf("Deleted: %s\n", c.Name)
	return nil
}

// DbRekeyCmd changes the encryption password. An empty new password removes
// encryption.
type DbRekeyCmd struct {
	Name        string `arg:"" help:"Database name"`
	NewPassword string `name:"new-password" help:"New encryption password; empty decrypts the database"`
}

func (c *DbRekeyCmd) Run() error {
	d, err := openDatabase(c.Name)
	if err != nil {
		return err
	}
	defer d.Close()

	var key *db.EncryptionKey
	if c.NewPassword != "" {
		key, err = db.EncryptionKeyFromPassword(c.NewPassword)
		if err != nil {
			return err
		}
	}
	if err := d.ChangeEncryptionKey(key); err != nil {
		return err
	}
	fmt.Println("Encryption key changed")
	return nil
}

// DocGetCmd prints one document as JSON.
type DocGetCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
	ID       string `arg:"" help:"Document ID"`
}

func (c *DocGetCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	doc, err := col.GetDocument(c.ID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", c.ID)
	}
	data, err := json.MarshalIndent(doc.Properties(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// DocPutCmd saves a document from a JSON body, read from the argument or
// from stdin when the body is "-".
type DocPutCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
	ID       string `arg:"" help:"Document ID"`
	Body     string `arg:"" default:"-" help:"JSON body, or - for stdin"`
}

func (c *DocPutCmd) Run() error {
	raw := []byte(c.Body)
	if c.Body == "-" {
		var err error
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}

	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	doc := db.NewDocumentWithID(c.ID)
	if existing, err := col.GetDocument(c.ID); err != nil {
		return err
	} else if existing != nil {
		doc = existing
	}
	doc.SetProperties(props)
	if err := col.Save(doc); err != nil {
		return err
	}
	fmt.Printf("Saved: %s (%s)\n", doc.ID(), doc.RevisionID())
	return nil
}

// DocDeleteCmd deletes a document.
type DocDeleteCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
	ID       string `arg:"" help:"Document ID"`
	Purge    bool   `help:"Remove entirely instead of leaving a tombstone"`
}

func (c *DocDeleteCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	if c.Purge {
		if err := col.PurgeByID(c.ID); err != nil {
			return err
		}
		fmt.Printf("Purged: %s\n", c.ID)
		return nil
	}
	doc, err := col.GetDocument(c.ID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", c.ID)
	}
	if err := col.Delete(doc); err != nil {
		return err
	}
	fmt.Printf("Deleted: %s\n", c.ID)
	return nil
}

// DocListCmd lists document IDs in a collection.
type DocListCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
}

func (c *DocListCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	rows, err := col.AllDocuments()
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Println(row.ID)
	}
	return nil
}

// QueryCmd runs a query and prints the results as JSON lines.
type QueryCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
	Where    string `arg:"" optional:"" help:"Filter expression, e.g. \"age >= 21 AND city = 'Oslo'\""`
	OrderBy  string `name:"order-by" help:"Property path to sort by"`
	Desc     bool   `help:"Sort descending"`
	Limit    int    `help:"Maximum number of results"`
	Offset   int    `help:"Results to skip"`
}

func (c *QueryCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	q, err := query.New(col, c.Where)
	if err != nil {
		return err
	}
	if c.OrderBy != "" {
		q.OrderBy(c.OrderBy, c.Desc)
	}
	if c.Limit > 0 || c.Offset > 0 {
		q.Limit(c.Limit, c.Offset)
	}

	results, err := q.Execute()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		row := map[string]any{"id": r.ID, "properties": r.Properties}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// IndexCreateCmd creates a value index.
type IndexCreateCmd struct {
	collectionFlags
	Database    string   `arg:"" help:"Database name"`
	Name        string   `arg:"" help:"Index name"`
	Expressions []string `arg:"" help:"Property paths to index"`
}

func (c *IndexCreateCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	config := query.ValueIndexConfiguration{Expressions: c.Expressions}
	if err := query.CreateValueIndex(col, c.Name, config); err != nil {
		return err
	}
	fmt.Printf("Created index: %s\n", c.Name)
	return nil
}

// IndexListCmd lists indexes on a collection.
type IndexListCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
}

func (c *IndexListCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	names, err := query.Indexes(col)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// IndexDeleteCmd deletes an index.
type IndexDeleteCmd struct {
	collectionFlags
	Database string `arg:"" help:"Database name"`
	Name     string `arg:"" help:"Index name"`
}

func (c *IndexDeleteCmd) Run() error {
	d, col, err := openCollection(c.Database, c.Collection, c.Scope)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := query.DeleteIndex(col, c.Name); err != nil {
		return err
	}
	fmt.Printf("Deleted index: %s\n", c.Name)
	return nil
}

// ReplicateCmd replicates collections with a remote listener.
type ReplicateCmd struct {
	Database    string   `arg:"" help:"Database name"`
	URL         string   `arg:"" help:"Endpoint URL (ws:// or wss://)"`
	Collections []string `help:"Collections to replicate, as name or scope.name; default all"`
	Type        string   `default:"pushAndPull" enum:"pushAndPull,push,pull" help:"Replication direction"`
	Continuous  bool     `help:"Keep replicating until interrupted"`
	User        string   `help:"Basic auth username"`
	Pass        string   `help:"Basic auth password"`
	Session     string   `help:"Session cookie authentication token"`
	MaxAttempts uint     `name:"max-attempts" help:"Connection attempt cap; 0 for the default"`
}

func (c *ReplicateCmd) Run() error {
	d, err := openDatabase(c.Database)
	if err != nil {
		return err
	}
	defer d.Close()

	cols, err := c.resolveCollections(d)
	if err != nil {
		return err
	}
	ep, err := replicator.NewURLEndpoint(c.URL)
	if err != nil {
		return err
	}

	cfg := replicator.Config{
		Collections: cols,
		Endpoint:    ep,
		Continuous:  c.Continuous,
		MaxAttempts: c.MaxAttempts,
	}
	switch c.Type {
	case "push":
		cfg.Type = replicator.TypePush
	case "pull":
		cfg.Type = replicator.TypePull
	default:
		cfg.Type = replicator.TypePushAndPull
	}
	switch {
	case c.User != "":
		cfg.Authenticator = &replicator.BasicAuthenticator{Username: c.User, Password: c.Pass}
	case c.Session != "":
		cfg.Authenticator = &replicator.SessionAuthenticator{SessionID: c.Session}
	}

	r, err := replicator.NewReplicator(cfg)
	if err != nil {
		return err
	}

	stopped := make(chan replicator.Status, 1)
	token := r.AddChangeListener(func(s replicator.Status) {
		fmt.Printf("[%s] %d/%d\n", s.Activity, s.Progress.Completed, s.Progress.Total)
		if s.Activity == replicator.ActivityStopped {
			select {
			case stopped <- s:
			default:
			}
		}
	})
	defer token.Remove()

	if err := r.Start(false); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case s := <-stopped:
			return s.Error
		case <-interrupt:
			r.Stop()
		}
	}
}

// resolveCollections maps --collections flags to collection configs; with no
// flags every collection in the database is replicated.
func (c *ReplicateCmd) resolveCollections(d *db.Database) ([]replicator.CollectionConfig, error) {
	var cols []replicator.CollectionConfig
	if len(c.Collections) == 0 {
		scopes, err := d.ScopeNames()
		if err != nil {
			return nil, err
		}
		for _, scope := range scopes {
			names, err := d.CollectionNames(scope)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				col, err := d.Collection(name, scope)
				if err != nil {
					return nil, err
				}
				cols = append(cols, replicator.CollectionConfig{Collection: col})
			}
		}
		return cols, nil
	}
	for _, spec := range c.Collections {
		scope, name := db.DefaultScopeName, spec
		if i := strings.IndexByte(spec, '.'); i >= 0 {
			scope, name = spec[:i], spec[i+1:]
		}
		col, err := d.Collection(name, scope)
		if err != nil {
			return nil, err
		}
		if col == nil {
			return nil, fmt.Errorf("collection %s does not exist", spec)
		}
		cols = append(cols, replicator.CollectionConfig{Collection: col})
	}
	return cols, nil
}

// ServeCmd serves a database to remote replicators until interrupted.
type ServeCmd struct {
	Database  string `arg:"" help:"Database name"`
	Port      uint16 `default:"4984" help:"Port to listen on; 0 picks one"`
	Interface string `help:"Address to bind; empty binds all interfaces"`
	ReadOnly  bool   `name:"read-only" help:"Refuse pushed revisions"`
	User      string `help:"Require this basic auth username"`
	Pass      string `help:"Require this basic auth password"`
}

func (c *ServeCmd) Run() error {
	d, err := openDatabase(c.Database)
	if err != nil {
		return err
	}
	defer d.Close()

	cfg := listener.Config{
		Database:         d,
		Port:             c.Port,
		NetworkInterface: c.Interface,
		ReadOnly:         c.ReadOnly,
	}
	if c.User != "" {
		user, pass := c.User, c.Pass
		cfg.Authenticator = func(u, p string) bool {
			return listener.ConstantTimeEqual(u, user) && listener.ConstantTimeEqual(p, pass)
		}
	}

	l, err := listener.NewListener(cfg)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Stop()

	fmt.Printf("Serving %s at %s\n", d.Name(), l.URL())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	<-interrupt
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("bramble %s\n", edition.String())
	fmt.Printf("  version number: %d\n", edition.VersionNumber)
	fmt.Printf("  built: %s\n", edition.BuildTimestamp)
	info := sqlite.GetInfo()
	fmt.Printf("  storage: %s (%s)\n", info.Package, info.DriverType)

	fmt.Println("Defaults:")
	registry := defaults.Registry()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s = %v\n", name, registry[name])
	}
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("bramble"),
		kong.Description("Bramble - embedded JSON document database"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if CLI.Verbose {
		logging.SetConsoleLevel(logging.LevelVerbose)
	}
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
