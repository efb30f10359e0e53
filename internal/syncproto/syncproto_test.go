package syncproto

import (
	"testing"

	"github.com/FocuswithJustin/Bramble/core/edition"
	"github.com/FocuswithJustin/Bramble/core/errors"
)

func TestHelloCarriesVersion(t *testing.T) {
	env := NewHello("mydb")
	if env.Type != TypeHello || env.Hello == nil {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Hello.Protocol != ProtocolVersion {
		t.Errorf("Protocol = %d; want %d", env.Hello.Protocol, ProtocolVersion)
	}
	if env.Hello.Version != edition.VersionNumber {
		t.Errorf("Version = %d; want %d", env.Hello.Version, edition.VersionNumber)
	}
	if env.Hello.Database != "mydb" {
		t.Errorf("Database = %q", env.Hello.Database)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	envs := []Envelope{
		NewHello("db1"),
		NewRev(Rev{
			Scope:      "_default",
			Collection: "_default",
			DocID:      "doc1",
			RevID:      "2-abc",
			Sequence:   7,
			Body:       map[string]any{"name": "Ada"},
		}),
		NewAck(7),
		NewPull("_default", "_default", 42, true),
		NewCaughtUp(99),
		NewError("conflict", "document changed"),
	}
	for _, env := range envs {
		data, err := Encode(env)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", env.Type, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", env.Type, err)
		}
		if got.Type != env.Type {
			t.Errorf("round trip type = %q; want %q", got.Type, env.Type)
		}
	}
}

func TestDecodeRev(t *testing.T) {
	data := []byte(`{"type":"rev","rev":{"scope":"s","collection":"c","docID":"d","revID":"1-x","sequence":3,"deleted":true}}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	rev := env.Rev
	if rev.Scope != "s" || rev.Collection != "c" || rev.DocID != "d" ||
		rev.RevID != "1-x" || rev.Sequence != 3 || !rev.Deleted {
		t.Errorf("rev = %+v", rev)
	}
}

func TestDecodeRejectsBadMessages(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"rev"}`,
		`{"type":"hello"}`,
	}
	for _, data := range cases {
		if _, err := Decode([]byte(data)); err == nil {
			t.Errorf("Decode(%s) succeeded; want error", data)
		}
	}
}

func TestCheckHello(t *testing.T) {
	if err := CheckHello(&Hello{Protocol: ProtocolVersion}); err != nil {
		t.Errorf("matching protocol rejected: %v", err)
	}
	err := CheckHello(&Hello{Protocol: ProtocolVersion + 1})
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("got %v; want ErrUnsupported", err)
	}
}
