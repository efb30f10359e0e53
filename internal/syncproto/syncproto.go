// Package syncproto defines the JSON messages exchanged between a replicator
// and a sync listener over a websocket.
//
// The exchange is symmetric after the handshake:
//
//	client                      server
//	  hello ------------------->
//	  <------------------- hello          (or error on version mismatch)
//	  rev* ------------------->           push: one rev per local change
//	  <-------------------- ack           server acknowledges by sequence
//	  pull ------------------->           pull: request changes since sequence
//	  <-------------------- rev*          one rev per remote change
//	  <--------------------- caughtUp     remote sequence high-water mark
package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/FocuswithJustin/Bramble/core/edition"
	"github.com/FocuswithJustin/Bramble/core/errors"
)

// ProtocolVersion is bumped on incompatible message changes.
const ProtocolVersion = 1

// Message type discriminators.
const (
	TypeHello    = "hello"
	TypeRev      = "rev"
	TypeAck      = "ack"
	TypePull     = "pull"
	TypeCaughtUp = "caughtUp"
	TypeError    = "error"
)

// Envelope is the wire frame: a type tag plus exactly one payload.
type Envelope struct {
	Type     string    `json:"type"`
	Hello    *Hello    `json:"hello,omitempty"`
	Rev      *Rev      `json:"rev,omitempty"`
	Ack      *Ack      `json:"ack,omitempty"`
	Pull     *Pull     `json:"pull,omitempty"`
	CaughtUp *CaughtUp `json:"caughtUp,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Hello opens a session in both directions.
type Hello struct {
	// Protocol is the sender's ProtocolVersion.
	Protocol int `json:"protocol"`

	// Version is the sender's packed library version number.
	Version int `json:"version"`

	// Database is the name of the database being synced.
	Database string `json:"database"`
}

// Rev carries one document revision.
type Rev struct {
	Scope      string         `json:"scope"`
	Collection string         `json:"collection"`
	DocID      string         `json:"docID"`
	RevID      string         `json:"revID"`
	Sequence   uint64         `json:"sequence"`
	Deleted    bool           `json:"deleted,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

// Ack acknowledges received revisions up to a sender sequence.
type Ack struct {
	Sequence uint64 `json:"sequence"`
}

// Pull requests changes after the given remote sequence.
type Pull struct {
	Scope      string `json:"scope"`
	Collection string `json:"collection"`
	Since      uint64 `json:"since"`

	// Continuous keeps the stream open after catching up.
	Continuous bool `json:"continuous,omitempty"`
}

// CaughtUp ends (or checkpoints) a pull stream.
type CaughtUp struct {
	Sequence uint64 `json:"sequence"`
}

// Error reports a fatal session error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHello builds this library's handshake message.
func NewHello(database string) Envelope {
	return Envelope{Type: TypeHello, Hello: &Hello{
		Protocol: ProtocolVersion,
		Version:  edition.VersionNumber,
		Database: database,
	}}
}

// NewRev wraps a revision message.
func NewRev(rev Rev) Envelope {
	return Envelope{Type: TypeRev, Rev: &rev}
}

// NewAck acknowledges up to the given sequence.
func NewAck(sequence uint64) Envelope {
	return Envelope{Type: TypeAck, Ack: &Ack{Sequence: sequence}}
}

// NewPull requests changes for one collection.
func NewPull(scope, collection string, since uint64, continuous bool) Envelope {
	return Envelope{Type: TypePull, Pull: &Pull{
		Scope:      scope,
		Collection: collection,
		Since:      since,
		Continuous: continuous,
	}}
}

// NewCaughtUp marks a pull stream as caught up at the given sequence.
func NewCaughtUp(sequence uint64) Envelope {
	return Envelope{Type: TypeCaughtUp, CaughtUp: &CaughtUp{Sequence: sequence}}
}

// NewError wraps a session error.
func NewError(code, message string) Envelope {
	return Envelope{Type: TypeError, Error: &Error{Code: code, Message: message}}
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed sync message: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that the envelope carries the payload its type requires.
func (env Envelope) Validate() error {
	ok := false
	switch env.Type {
	case TypeHello:
		ok = env.Hello != nil
	case TypeRev:
		ok = env.Rev != nil
	case TypeAck:
		ok = env.Ack != nil
	case TypePull:
		ok = env.Pull != nil
	case TypeCaughtUp:
		ok = env.CaughtUp != nil
	case TypeError:
		ok = env.Error != nil
	default:
		return fmt.Errorf("unknown sync message type %q: %w", env.Type, errors.ErrInvalidInput)
	}
	if !ok {
		return fmt.Errorf("sync message %q missing payload: %w", env.Type, errors.ErrInvalidInput)
	}
	return nil
}

// CheckHello verifies a peer's handshake against ours.
func CheckHello(h *Hello) error {
	if h.Protocol != ProtocolVersion {
		return fmt.Errorf("peer speaks protocol %d, this build speaks %d: %w",
			h.Protocol, ProtocolVersion, errors.ErrUnsupported)
	}
	return nil
}
