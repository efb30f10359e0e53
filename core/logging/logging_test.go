package logging

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

// quietConsole routes console output to io.Discard for the duration of a test.
func quietConsole(t *testing.T) {
	t.Helper()
	SetConsoleLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCallbackReceivesMessages(t *testing.T) {
	quietConsole(t)
	defer SetCallback(nil)

	var mu sync.Mutex
	var got []string
	SetCallback(func(domain Domain, level Level, message string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(domain)+"/"+level.String()+"/"+message)
	})
	SetCallbackLevel(LevelInfo)

	Info(DomainDatabase, "opened %s", "mydb")
	Debug(DomainDatabase, "should be filtered")
	Error(DomainReplicator, "connect failed")

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"DB/info/opened mydb",
		"Sync/error/connect failed",
	}
	if len(got) != len(want) {
		t.Fatalf("callback received %d messages; want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q; want %q", i, got[i], want[i])
		}
	}
}

func TestCallbackLevelNone(t *testing.T) {
	quietConsole(t)
	defer SetCallback(nil)
	defer SetCallbackLevel(LevelInfo)

	called := false
	SetCallback(func(Domain, Level, string) { called = true })
	SetCallbackLevel(LevelNone)

	Error(DomainDatabase, "must not reach callback")
	if called {
		t.Error("callback invoked despite LevelNone")
	}
}

func TestConsoleLevelRoundTrip(t *testing.T) {
	old := ConsoleLevel()
	defer SetConsoleLevel(old)

	SetConsoleLevel(LevelWarning)
	if got := ConsoleLevel(); got != LevelWarning {
		t.Errorf("ConsoleLevel() = %v; want %v", got, LevelWarning)
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelVerbose, "verbose"},
		{LevelInfo, "info"},
		{LevelWarning, "warning"},
		{LevelError, "error"},
		{LevelNone, "none"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q; want %q", int(tt.level), got, tt.want)
		}
	}
}
