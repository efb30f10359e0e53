package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/listener"
	"github.com/FocuswithJustin/Bramble/core/query"
)

// useTempDir points the global directory flag at a fresh directory.
func useTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prevDir, prevPassword := CLI.Dir, CLI.Password
	CLI.Dir = dir
	CLI.Password = ""
	t.Cleanup(func() {
		CLI.Dir = prevDir
		CLI.Password = prevPassword
	})
	return dir
}

// putDoc saves one document through the CLI command path.
func putDoc(t *testing.T, database, id, body string) {
	t.Helper()
	cmd := &DocPutCmd{Database: database, ID: id, Body: body}
	cmd.Collection = db.DefaultCollectionName
	cmd.Scope = db.DefaultScopeName
	if err := cmd.Run(); err != nil {
		t.Fatalf("DocPutCmd.Run() failed: %v", err)
	}
}

func TestDbCreateCmd_Run(t *testing.T) {
	dir := useTempDir(t)

	cmd := &DbCreateCmd{Name: "app", Collections: []string{"users", "inventory.widgets"}}
	if err := cmd.Run(); err != nil {
		t.Fatalf("DbCreateCmd.Run() failed: %v", err)
	}
	if !db.Exists("app", dir) {
		t.Error("database not created")
	}

	d, err := db.Open("app", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()
	for _, spec := range [][2]string{{"users", "_default"}, {"widgets", "inventory"}} {
		col, err := d.Collection(spec[0], spec[1])
		if err != nil {
			t.Fatalf("Collection failed: %v", err)
		}
		if col == nil {
			t.Errorf("collection %s.%s not created", spec[1], spec[0])
		}
	}
}

func TestDbCreateCmd_Run_InvalidName(t *testing.T) {
	useTempDir(t)
	cmd := &DbCreateCmd{Name: "_bad name"}
	if err := cmd.Run(); err == nil {
		t.Error("expected error for invalid database name, got nil")
	}
}

func TestDocPutGetRoundTrip(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "alice", `{"name": "Alice", "age": 30}`)

	get := &DocGetCmd{Database: "app", ID: "alice"}
	get.Collection = db.DefaultCollectionName
	get.Scope = db.DefaultScopeName
	if err := get.Run(); err != nil {
		t.Fatalf("DocGetCmd.Run() failed: %v", err)
	}

	d, err := db.Open("app", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()
	col, _ := d.DefaultCollection()
	doc, err := col.GetDocument("alice")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc == nil {
		t.Fatal("document not saved")
	}
	if got := doc.Get("name"); got != "Alice" {
		t.Errorf("name = %v; want Alice", got)
	}
}

func TestDocPutCmd_Run_UpdatesExisting(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "alice", `{"v": 1}`)
	putDoc(t, "app", "alice", `{"v": 2}`)

	d, _ := db.Open("app", &db.Config{Directory: dir})
	defer d.Close()
	col, _ := d.DefaultCollection()
	doc, _ := col.GetDocument("alice")
	if doc == nil {
		t.Fatal("document missing")
	}
	if got := doc.Get("v"); got != float64(2) {
		t.Errorf("v = %v; want 2", got)
	}
	if got := doc.RevisionID(); got[0] != '2' {
		t.Errorf("revision = %q; want generation 2", got)
	}
}

func TestDocPutCmd_Run_InvalidJSON(t *testing.T) {
	useTempDir(t)
	cmd := &DocPutCmd{Database: "app", ID: "x", Body: "{not json"}
	cmd.Collection = db.DefaultCollectionName
	cmd.Scope = db.DefaultScopeName
	if err := cmd.Run(); err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestDocDeleteCmd_Run(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "gone", `{}`)

	cmd := &DocDeleteCmd{Database: "app", ID: "gone"}
	cmd.Collection = db.DefaultCollectionName
	cmd.Scope = db.DefaultScopeName
	if err := cmd.Run(); err != nil {
		t.Fatalf("DocDeleteCmd.Run() failed: %v", err)
	}

	d, _ := db.Open("app", &db.Config{Directory: dir})
	defer d.Close()
	col, _ := d.DefaultCollection()
	if doc, _ := col.GetDocument("gone"); doc != nil {
		t.Error("document still readable after delete")
	}
}

func TestDocDeleteCmd_Run_Missing(t *testing.T) {
	useTempDir(t)
	cmd := &DocDeleteCmd{Database: "app", ID: "never"}
	cmd.Collection = db.DefaultCollectionName
	cmd.Scope = db.DefaultScopeName
	if err := cmd.Run(); err == nil {
		t.Error("expected error for missing document, got nil")
	}
}

func TestQueryCmd_Run(t *testing.T) {
	useTempDir(t)
	putDoc(t, "app", "a", `{"city": "Oslo"}`)
	putDoc(t, "app", "b", `{"city": "London"}`)

	cmd := &QueryCmd{Database: "app", Where: "city = 'Oslo'"}
	cmd.Collection = db.DefaultCollectionName
	cmd.Scope = db.DefaultScopeName
	if err := cmd.Run(); err != nil {
		t.Fatalf("QueryCmd.Run() failed: %v", err)
	}

	bad := &QueryCmd{Database: "app", Where: "city ="}
	bad.Collection = db.DefaultCollectionName
	bad.Scope = db.DefaultScopeName
	if err := bad.Run(); err == nil {
		t.Error("expected error for malformed query, got nil")
	}
}

func TestIndexCmds(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "a", `{"city": "Oslo"}`)

	create := &IndexCreateCmd{Database: "app", Name: "byCity", Expressions: []string{"city"}}
	create.Collection = db.DefaultCollectionName
	create.Scope = db.DefaultScopeName
	if err := create.Run(); err != nil {
		t.Fatalf("IndexCreateCmd.Run() failed: %v", err)
	}

	d, _ := db.Open("app", &db.Config{Directory: dir})
	col, _ := d.DefaultCollection()
	names, err := query.Indexes(col)
	if err != nil {
		t.Fatalf("Indexes failed: %v", err)
	}
	d.Close()
	if len(names) != 1 || names[0] != "byCity" {
		t.Errorf("indexes = %v; want [byCity]", names)
	}

	del := &IndexDeleteCmd{Database: "app", Name: "byCity"}
	del.Collection = db.DefaultCollectionName
	del.Scope = db.DefaultScopeName
	if err := del.Run(); err != nil {
		t.Fatalf("IndexDeleteCmd.Run() failed: %v", err)
	}
	if err := del.Run(); err == nil {
		t.Error("expected error deleting missing index, got nil")
	}
}

func TestDbBackupRestoreRoundTrip(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "keep", `{"important": true}`)

	backupPath := filepath.Join(dir, "app.backup.xz")
	backup := &DbBackupCmd{Name: "app", Out: backupPath}
	if err := backup.Run(); err != nil {
		t.Fatalf("DbBackupCmd.Run() failed: %v", err)
	}
	if info, err := os.Stat(backupPath); err != nil || info.Size() == 0 {
		t.Fatalf("backup file missing or empty: %v", err)
	}

	restore := &DbRestoreCmd{Backup: backupPath, Name: "restored"}
	if err := restore.Run(); err != nil {
		t.Fatalf("DbRestoreCmd.Run() failed: %v", err)
	}

	d, err := db.Open("restored", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open restored failed: %v", err)
	}
	defer d.Close()
	col, _ := d.DefaultCollection()
	doc, err := col.GetDocument("keep")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc == nil || doc.Get("important") != true {
		t.Error("restored database missing document")
	}

	// Restoring over an existing database is refused.
	if err := restore.Run(); err == nil {
		t.Error("expected error restoring over existing database, got nil")
	}
}

func TestDbCopyCmd_Run(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "kept", `{}`)

	cmd := &DbCopyCmd{Name: "app", ToName: "app2"}
	if err := cmd.Run(); err != nil {
		t.Fatalf("DbCopyCmd.Run() failed: %v", err)
	}

	d, err := db.Open("app2", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open copy failed: %v", err)
	}
	defer d.Close()
	col, _ := d.DefaultCollection()
	if doc, _ := col.GetDocument("kept"); doc == nil {
		t.Error("document missing from copy")
	}
}

func TestDbDeleteCmd_Run(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "x", `{}`)

	cmd := &DbDeleteCmd{Name: "app"}
	if err := cmd.Run(); err != nil {
		t.Fatalf("DbDeleteCmd.Run() failed: %v", err)
	}
	if db.Exists("app", dir) {
		t.Error("database still exists after delete")
	}
	if err := cmd.Run(); err == nil {
		t.Error("expected error deleting missing database, got nil")
	}
}

func TestDbRekeyCmd_Run(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "app", "secret", `{"pin": "1234"}`)

	rekey := &DbRekeyCmd{Name: "app", NewPassword: "hunter2"}
	if err := rekey.Run(); err != nil {
		t.Fatalf("DbRekeyCmd.Run() failed: %v", err)
	}

	// The old (empty) password no longer opens the database.
	if _, err := db.Open("app", &db.Config{Directory: dir}); err == nil {
		t.Error("database opened without the new password")
	}

	key, _ := db.EncryptionKeyFromPassword("hunter2")
	d, err := db.Open("app", &db.Config{Directory: dir, EncryptionKey: key})
	if err != nil {
		t.Fatalf("Open with new password failed: %v", err)
	}
	defer d.Close()
	col, _ := d.DefaultCollection()
	doc, err := col.GetDocument("secret")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc == nil || doc.Get("pin") != "1234" {
		t.Error("document unreadable after rekey")
	}
}

func TestDbInfoCmd_Run(t *testing.T) {
	useTempDir(t)
	putDoc(t, "app", "x", `{}`)

	cmd := &DbInfoCmd{Name: "app"}
	if err := cmd.Run(); err != nil {
		t.Fatalf("DbInfoCmd.Run() failed: %v", err)
	}
}

func TestDbCompactCmd_Run(t *testing.T) {
	useTempDir(t)
	putDoc(t, "app", "x", `{}`)

	for _, typ := range []string{"compact", "reindex", "integrity-check", "optimize", "full-optimize"} {
		cmd := &DbCompactCmd{Name: "app", Type: typ}
		if err := cmd.Run(); err != nil {
			t.Errorf("DbCompactCmd.Run() %s failed: %v", typ, err)
		}
	}
}

func TestReplicateCmd_Run(t *testing.T) {
	dir := useTempDir(t)
	putDoc(t, "local", "pushed", `{"from": "cli"}`)

	served, err := db.Open("served", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open served failed: %v", err)
	}
	defer served.Close()
	l, err := listener.NewListener(listener.Config{Database: served})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	cmd := &ReplicateCmd{Database: "local", URL: l.URL(), Type: "push", MaxAttempts: 1}
	if err := cmd.Run(); err != nil {
		t.Fatalf("ReplicateCmd.Run() failed: %v", err)
	}

	col, _ := served.DefaultCollection()
	doc, err := col.GetDocument("pushed")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc == nil {
		t.Error("document not replicated")
	}
}

func TestVersionCmd_Run(t *testing.T) {
	cmd := &VersionCmd{}
	if err := cmd.Run(); err != nil {
		t.Errorf("VersionCmd.Run() failed: %v", err)
	}
}
