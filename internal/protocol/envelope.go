package protocol

import (
	"encoding/json"
	"math"
	"unicode"

	"github.com/dreamware/tablesync/internal/value"
	"github.com/pkg/errors"
)

// Message types.
const (
	TypeHandshake = "handshake"
	TypeUpdate    = "update"
	// TypeError labels failure responses to messages that carried no usable type.
	TypeError = "error"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	// ErrMalformed is returned when a frame payload is not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingType is returned for messages without a string "type" field.
	ErrMissingType = errors.New("message has no type")
	// ErrUnknownType is returned for messages whose type is not recognized.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingTable is returned for updates without a "table" object.
	ErrMissingTable = errors.New("update has no table object")
)

// Envelope is the decoded form of one wire message.
//
// On the wire every message is a JSON object; only the fields set on the
// Envelope are written. Table is written whenever it is non-nil, so an empty
// snapshot still appears as {}.
type Envelope struct {
	Type      string
	Name      string
	Status    string
	ID        *uint64
	Message   string
	Table     map[string]value.Value
	Terminate bool
}

// Handshake builds a client handshake request.
func Handshake(name string) Envelope {
	return Envelope{Type: TypeHandshake, Name: name}
}

// HandshakeOK builds the success response carrying the assigned id and the table snapshot.
func HandshakeOK(id uint64, table map[string]value.Value) Envelope {
	if table == nil {
		table = map[string]value.Value{}
	}
	return Envelope{Type: TypeHandshake, Status: StatusOK, ID: &id, Table: table}
}

// HandshakeRejected builds the rejection response. It always terminates the connection.
func HandshakeRejected(message string) Envelope {
	return Envelope{Type: TypeHandshake, Status: StatusError, Message: message, Terminate: true}
}

// Update builds a client update request.
func Update(table map[string]value.Value) Envelope {
	if table == nil {
		table = map[string]value.Value{}
	}
	return Envelope{Type: TypeUpdate, Table: table}
}

// UpdateOK builds the envelope fanned out to peers for an applied delta.
func UpdateOK(table map[string]value.Value) Envelope {
	if table == nil {
		table = map[string]value.Value{}
	}
	return Envelope{Type: TypeUpdate, Status: StatusOK, Table: table}
}

// Failure builds a non-terminating error response for a rejected message.
func Failure(msgType, message string) Envelope {
	if msgType == "" {
		msgType = TypeError
	}
	return Envelope{Type: msgType, Status: StatusError, Message: message}
}

// Terminate builds the bare directive that makes a connection close after sending it.
func Terminate() Envelope {
	return Envelope{Terminate: true}
}

// ToValue converts e to its object form.
func (e Envelope) ToValue() value.Value {
	fields := make(map[string]value.Value, 7)
	if e.Type != "" {
		fields["type"] = value.String(e.Type)
	}
	if e.Name != "" {
		fields["name"] = value.String(e.Name)
	}
	if e.Status != "" {
		fields["status"] = value.String(e.Status)
	}
	if e.ID != nil {
		fields["id"] = value.Number(float64(*e.ID))
	}
	if e.Message != "" {
		fields["message"] = value.String(e.Message)
	}
	if e.Table != nil {
		fields["table"] = value.Object(e.Table)
	}
	if e.Terminate {
		fields["terminate"] = value.Bool(true)
	}
	return value.Object(fields)
}

// FromValue extracts the known fields of an object value.
// Fields of the wrong kind are treated as absent; unknown fields are ignored.
func FromValue(v value.Value) (Envelope, error) {
	if v.Kind() != value.KindObject {
		return Envelope{}, errors.Wrapf(ErrMalformed, "expected object, got %s", v.Kind())
	}
	var e Envelope
	e.Type = stringField(v, "type")
	e.Name = stringField(v, "name")
	e.Status = stringField(v, "status")
	e.Message = stringField(v, "message")
	if f, ok := v.Field("id"); ok {
		if n, ok := f.AsNumber(); ok && n >= 0 && n == math.Trunc(n) && n < math.MaxUint64 {
			id := uint64(n)
			e.ID = &id
		}
	}
	if f, ok := v.Field("table"); ok && f.Kind() == value.KindObject {
		e.Table = f.Fields()
	}
	if f, ok := v.Field("terminate"); ok {
		e.Terminate, _ = f.AsBool()
	}
	return e, nil
}

func stringField(v value.Value, key string) string {
	f, ok := v.Field(key)
	if !ok {
		return ""
	}
	s, _ := f.AsString()
	return s
}

// Marshal encodes e as the JSON payload of one frame.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e.ToValue())
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope failed")
	}
	return data, nil
}

// Encode encodes e as a complete frame, length prefix included.
func Encode(e Envelope) ([]byte, error) {
	payload, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload), nil
}

// Decode parses a frame payload into an Envelope.
// Payloads that are not a JSON object fail with ErrMalformed.
func Decode(payload []byte) (Envelope, error) {
	v, err := value.FromJSON(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return FromValue(v)
}

// ValidName reports whether name is an acceptable display name:
// non-empty, made only of alphanumeric runes. A rune is alphanumeric when
// it is a letter, any kind of number, or carries the Other_Alphabetic
// property (vowel signs in Indic scripts and similar combining marks).
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !alphanumeric(r) {
			return false
		}
	}
	return true
}

func alphanumeric(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Other_Alphabetic, r)
}
