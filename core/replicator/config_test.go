package replicator

import (
	"net/http"
	"testing"
	"time"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/defaults"
)

func openPair(t *testing.T) (*db.Database, *db.Database) {
	t.Helper()
	dir := t.TempDir()
	source, err := db.Open("source", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open source failed: %v", err)
	}
	t.Cleanup(func() { source.Close() })
	target, err := db.Open("target", &db.Config{Directory: dir})
	if err != nil {
		t.Fatalf("Open target failed: %v", err)
	}
	t.Cleanup(func() { target.Close() })
	return source, target
}

func localConfig(t *testing.T, source, target *db.Database) Config {
	t.Helper()
	col, err := source.DefaultCollection()
	if err != nil {
		t.Fatalf("DefaultCollection failed: %v", err)
	}
	ep, err := NewLocalEndpoint(target)
	if err != nil {
		t.Fatalf("NewLocalEndpoint failed: %v", err)
	}
	return Config{
		Collections: []CollectionConfig{{Collection: col}},
		Endpoint:    ep,
	}
}

func TestConfigDefaults(t *testing.T) {
	source, target := openPair(t)
	cfg := localConfig(t, source, target).withDefaults()

	if cfg.Heartbeat != defaults.ReplicatorHeartbeat {
		t.Errorf("Heartbeat = %v; want %v", cfg.Heartbeat, defaults.ReplicatorHeartbeat)
	}
	if cfg.MaxAttempts != defaults.ReplicatorMaxAttemptsSingleShot {
		t.Errorf("MaxAttempts = %d; want %d", cfg.MaxAttempts, defaults.ReplicatorMaxAttemptsSingleShot)
	}
	if cfg.MaxAttemptWaitTime != defaults.ReplicatorMaxAttemptWaitTime {
		t.Errorf("MaxAttemptWaitTime = %v; want %v",
			cfg.MaxAttemptWaitTime, defaults.ReplicatorMaxAttemptWaitTime)
	}

	continuous := localConfig(t, source, target)
	continuous.Continuous = true
	cfg = continuous.withDefaults()
	if cfg.MaxAttempts != defaults.ReplicatorMaxAttemptsContinuous {
		t.Errorf("continuous MaxAttempts = %d; want %d",
			cfg.MaxAttempts, defaults.ReplicatorMaxAttemptsContinuous)
	}

	// Explicit values survive.
	custom := localConfig(t, source, target)
	custom.Heartbeat = 5 * time.Second
	custom.MaxAttempts = 3
	cfg = custom.withDefaults()
	if cfg.Heartbeat != 5*time.Second || cfg.MaxAttempts != 3 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestTypeStringsMatchDefaultsTable(t *testing.T) {
	if TypePushAndPull.String() != defaults.ReplicatorType {
		t.Errorf("TypePushAndPull = %q; defaults table says %q",
			TypePushAndPull.String(), defaults.ReplicatorType)
	}
	if TypePush.String() != "push" || TypePull.String() != "pull" {
		t.Errorf("type names = %q, %q", TypePush, TypePull)
	}
}

func TestTypeDirections(t *testing.T) {
	tests := []struct {
		typ        ReplicatorType
		push, pull bool
	}{
		{TypePushAndPull, true, true},
		{TypePush, true, false},
		{TypePull, false, true},
	}
	for _, tt := range tests {
		if tt.typ.push() != tt.push || tt.typ.pull() != tt.pull {
			t.Errorf("%s: push=%v pull=%v; want %v/%v",
				tt.typ, tt.typ.push(), tt.typ.pull(), tt.push, tt.pull)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	source, target := openPair(t)

	if err := (Config{}).validate(); err == nil {
		t.Error("empty config validated")
	}

	cfg := localConfig(t, source, target)
	cfg.Endpoint = nil
	if err := cfg.validate(); err == nil {
		t.Error("config without endpoint validated")
	}

	// Replicating a database with itself is refused.
	self := localConfig(t, source, target)
	ep, _ := NewLocalEndpoint(source)
	self.Endpoint = ep
	if err := self.validate(); err == nil {
		t.Error("self-replication validated")
	}

	bad := localConfig(t, source, target)
	bad.Heartbeat = -time.Second
	if err := bad.validate(); err == nil {
		t.Error("negative heartbeat validated")
	}

	if err := localConfig(t, source, target).validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestURLEndpointValidation(t *testing.T) {
	valid := []string{"ws://host:4984/db", "wss://host/db"}
	for _, raw := range valid {
		if _, err := NewURLEndpoint(raw); err != nil {
			t.Errorf("NewURLEndpoint(%q) failed: %v", raw, err)
		}
	}
	invalid := []string{"http://host/db", "ws://", "wss://host/db?x=1", "://nope"}
	for _, raw := range invalid {
		if _, err := NewURLEndpoint(raw); err == nil {
			t.Errorf("NewURLEndpoint(%q) succeeded; want error", raw)
		}
	}
}

func TestBasicAuthenticator(t *testing.T) {
	header := http.Header{}
	auth := &BasicAuthenticator{Username: "ada", Password: "s3cret"}
	if err := auth.apply(header); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	want := "Basic YWRhOnMzY3JldA=="
	if got := header.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q; want %q", got, want)
	}

	if err := (&BasicAuthenticator{}).apply(http.Header{}); err == nil {
		t.Error("empty username accepted")
	}
}

func TestSessionAuthenticator(t *testing.T) {
	header := http.Header{}
	auth := &SessionAuthenticator{SessionID: "abc123"}
	if err := auth.apply(header); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	want := DefaultSessionCookieName + "=abc123"
	if got := header.Get("Cookie"); got != want {
		t.Errorf("Cookie = %q; want %q", got, want)
	}

	header = http.Header{}
	auth = &SessionAuthenticator{SessionID: "abc123", CookieName: "MySession"}
	auth.apply(header)
	if got := header.Get("Cookie"); got != "MySession=abc123" {
		t.Errorf("Cookie = %q; want custom name", got)
	}
}

func TestDialRefusesForeignSessionCookie(t *testing.T) {
	source, target := openPair(t)
	cfg := localConfig(t, source, target)
	ep, err := NewURLEndpoint("ws://sync.example.com/db")
	if err != nil {
		t.Fatalf("NewURLEndpoint failed: %v", err)
	}
	cfg.Endpoint = ep
	cfg.Authenticator = &SessionAuthenticator{SessionID: "abc", Domain: "other.com"}

	r, err := NewReplicator(cfg)
	if err != nil {
		t.Fatalf("NewReplicator failed: %v", err)
	}
	if _, err := r.dial(ep); err == nil {
		t.Error("dial sent a session cookie scoped to a foreign domain")
	}

	// A parent-domain cookie needs AcceptParentDomainCookies; without it the
	// dial is refused before any connection attempt.
	cfg.Authenticator = &SessionAuthenticator{SessionID: "abc", Domain: "example.com"}
	r, err = NewReplicator(cfg)
	if err != nil {
		t.Fatalf("NewReplicator failed: %v", err)
	}
	if _, err := r.dial(ep); err == nil {
		t.Error("dial sent a parent-domain cookie without AcceptParentDomainCookies")
	}
}

func TestCookieAllowed(t *testing.T) {
	tests := []struct {
		domain, host string
		acceptParent bool
		want         bool
	}{
		{"sync.example.com", "sync.example.com", false, true},
		{".example.com", "sync.example.com", false, false},
		{".example.com", "sync.example.com", true, true},
		{"example.com", "sync.example.com", true, true},
		{"other.com", "sync.example.com", true, false},
		{"", "sync.example.com", false, true},
	}
	for _, tt := range tests {
		got := cookieAllowed(tt.domain, tt.host, tt.acceptParent)
		if got != tt.want {
			t.Errorf("cookieAllowed(%q, %q, %v) = %v; want %v",
				tt.domain, tt.host, tt.acceptParent, got, tt.want)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	max := 300 * time.Second
	got := nextBackoff(2*time.Second, max)
	if got != 4*time.Second {
		t.Errorf("nextBackoff(2s) = %v; want 4s", got)
	}
	got = nextBackoff(256*time.Second, max)
	if got != max {
		t.Errorf("nextBackoff(256s) = %v; want cap %v", got, max)
	}
}
