package db

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptionKeyFromPassword(t *testing.T) {
	k1, err := EncryptionKeyFromPassword("hunter2")
	if err != nil {
		t.Fatalf("EncryptionKeyFromPassword failed: %v", err)
	}
	k2, err := EncryptionKeyFromPassword("hunter2")
	if err != nil {
		t.Fatalf("EncryptionKeyFromPassword failed: %v", err)
	}
	if k1.raw != k2.raw {
		t.Error("same password derived different keys")
	}

	k3, _ := EncryptionKeyFromPassword("other password")
	if k1.raw == k3.raw {
		t.Error("different passwords derived the same key")
	}

	if _, err := EncryptionKeyFromPassword(""); err == nil {
		t.Error("empty password accepted")
	}
}

func TestNewEncryptionKeyLength(t *testing.T) {
	if _, err := NewEncryptionKey(make([]byte, 16)); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewEncryptionKey(make([]byte, EncryptionKeySize)); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, _ := EncryptionKeyFromPassword("secret")
	plaintext := []byte(`{"name":"Ada"}`)

	sealed, err := key.seal(plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("Ada")) {
		t.Error("sealed blob contains plaintext")
	}

	opened, err := key.open(sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip = %q; want %q", opened, plaintext)
	}

	wrong, _ := EncryptionKeyFromPassword("not the key")
	if _, err := wrong.open(sealed); err == nil {
		t.Error("wrong key decrypted the blob")
	}
}

func TestEncryptedDatabaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, _ := EncryptionKeyFromPassword("letmein")

	d, err := Open("vault", &Config{Directory: dir, EncryptionKey: key})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	col, _ := d.DefaultCollection()
	doc := NewDocumentWithID("secret1")
	doc.Set("card", "4111-1111-1111-1111")
	if err := col.Save(doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The raw file must not leak the document body.
	raw, err := os.ReadFile(filepath.Join(dir, "vault.bramble", "db.sqlite3"))
	if err != nil {
		t.Fatalf("failed to read database file: %v", err)
	}
	if bytes.Contains(raw, []byte("4111-1111")) {
		t.Error("plaintext document body found in encrypted database file")
	}

	d2, err := Open("vault", &Config{Directory: dir, EncryptionKey: key})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer d2.Close()
	col2, _ := d2.DefaultCollection()
	got, err := col2.GetDocument("secret1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got == nil || got.Get("card") != "4111-1111-1111-1111" {
		t.Errorf("document = %+v", got)
	}
}

func TestWrongKeyRefused(t *testing.T) {
	dir := t.TempDir()
	key, _ := EncryptionKeyFromPassword("right")

	d, err := Open("locked", &Config{Directory: dir, EncryptionKey: key})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	d.Close()

	wrong, _ := EncryptionKeyFromPassword("wrong")
	if _, err := Open("locked", &Config{Directory: dir, EncryptionKey: wrong}); err == nil {
		t.Error("wrong key opened the database")
	}
	if _, err := Open("locked", &Config{Directory: dir}); err == nil {
		t.Error("missing key opened an encrypted database")
	}
}

func TestChangeEncryptionKey(t *testing.T) {
	dir := t.TempDir()
	oldKey, _ := EncryptionKeyFromPassword("old")
	newKey, _ := EncryptionKeyFromPassword("new")

	d, err := Open("rotating", &Config{Directory: dir, EncryptionKey: oldKey})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	col, _ := d.DefaultCollection()
	doc := NewDocumentWithID("doc")
	doc.Set("v", "survives rekey")
	if err := col.Save(doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := d.ChangeEncryptionKey(newKey); err != nil {
		t.Fatalf("ChangeEncryptionKey failed: %v", err)
	}
	got, err := col.GetDocument("doc")
	if err != nil {
		t.Fatalf("GetDocument after rekey failed: %v", err)
	}
	if got.Get("v") != "survives rekey" {
		t.Errorf("value = %v", got.Get("v"))
	}
	d.Close()

	// The old key no longer opens it; the new one does.
	if _, err := Open("rotating", &Config{Directory: dir, EncryptionKey: oldKey}); err == nil {
		t.Error("old key still opens the database after rekey")
	}
	d2, err := Open("rotating", &Config{Directory: dir, EncryptionKey: newKey})
	if err != nil {
		t.Fatalf("open with new key failed: %v", err)
	}
	d2.Close()
}

func TestDecryptDatabase(t *testing.T) {
	dir := t.TempDir()
	key, _ := EncryptionKeyFromPassword("temporary")

	d, err := Open("clear", &Config{Directory: dir, EncryptionKey: key})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	col, _ := d.DefaultCollection()
	doc := NewDocumentWithID("doc")
	doc.Set("v", "now public")
	if err := col.Save(doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A nil key removes encryption entirely.
	if err := d.ChangeEncryptionKey(nil); err != nil {
		t.Fatalf("ChangeEncryptionKey(nil) failed: %v", err)
	}
	d.Close()

	d2, err := Open("clear", &Config{Directory: dir})
	if err != nil {
		t.Fatalf("open without key failed: %v", err)
	}
	defer d2.Close()
	col2, _ := d2.DefaultCollection()
	got, err := col2.GetDocument("doc")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Get("v") != "now public" {
		t.Errorf("value = %v", got.Get("v"))
	}
}
