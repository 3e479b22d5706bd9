// Package wire unwraps the calendar backend's response envelope.
//
// A carrier frame looks like
//
//	)]}'
//
//	[["op.exec",[0,"{\"events\":[...]}"]],["di",123]]
//
// The leading guard is skipped up to the first "[[", the remainder is
// parsed as JSON, and the string at outer[0][1][1] is parsed again to
// obtain the Payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode means a frame does not carry a calendar payload.
var ErrDecode = errors.New("wire: not a calendar payload frame")

const envelopeMarker = "[["

// Payload is the decoded calendar document.
type Payload struct {
	Events []RawEvent `json:"events"`
}

// RawEvent is one backend calendar record, in the backend's own shape.
type RawEvent struct {
	Title         string        `json:"title"`
	Start         string        `json:"start"`
	End           string        `json:"end"`
	Color         string        `json:"color"`
	ExtendedProps ExtendedProps `json:"extendedProps"`
}

// ExtendedProps carries the spreadsheet columns behind an event.
type ExtendedProps struct {
	EventID      FlexString `json:"meuTTid"`
	SubjectID    string     `json:"subjectID"`
	Activity     string     `json:"activity"`
	RoomID       string     `json:"roomID"`
	Faculty      string     `json:"faculty"`
	Topic        string     `json:"topic"`
	DepartmentID string     `json:"departmentID"`
	SectionID    string     `json:"sectionID"`
}

// FlexString accepts a JSON string or number; spreadsheet-backed IDs
// arrive as either depending on the cell format. null decodes to "".
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("wire: id must be string or number: %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

// Decode extracts the Payload from one response body. Every shape
// deviation yields an error wrapping ErrDecode.
func Decode(raw []byte) (Payload, error) {
	text := string(raw)
	idx := strings.Index(text, envelopeMarker)
	if idx < 0 {
		return Payload{}, fmt.Errorf("%w: envelope marker not found", ErrDecode)
	}

	var outer []json.RawMessage
	if err := json.Unmarshal([]byte(text[idx:]), &outer); err != nil {
		return Payload{}, fmt.Errorf("%w: outer: %v", ErrDecode, err)
	}

	inner, err := nestedString(outer)
	if err != nil {
		return Payload{}, err
	}

	// Other callbacks share the envelope, so a frame only counts when its
	// document has an events array. An empty array is a valid empty calendar.
	var doc struct {
		Events *[]RawEvent `json:"events"`
	}
	if err := json.Unmarshal([]byte(inner), &doc); err != nil {
		return Payload{}, fmt.Errorf("%w: inner: %v", ErrDecode, err)
	}
	if doc.Events == nil {
		return Payload{}, fmt.Errorf("%w: inner document has no events", ErrDecode)
	}
	return Payload{Events: *doc.Events}, nil
}

// nestedString navigates outer[0][1][1] and requires a non-empty string.
func nestedString(outer []json.RawMessage) (string, error) {
	if len(outer) == 0 {
		return "", fmt.Errorf("%w: empty envelope", ErrDecode)
	}
	var op []json.RawMessage
	if err := json.Unmarshal(outer[0], &op); err != nil || len(op) < 2 {
		return "", fmt.Errorf("%w: outer[0] is not an operation", ErrDecode)
	}
	var args []json.RawMessage
	if err := json.Unmarshal(op[1], &args); err != nil || len(args) < 2 {
		return "", fmt.Errorf("%w: outer[0][1] has no result slot", ErrDecode)
	}
	var inner string
	if err := json.Unmarshal(args[1], &inner); err != nil {
		return "", fmt.Errorf("%w: outer[0][1][1] is not a string", ErrDecode)
	}
	if inner == "" {
		return "", fmt.Errorf("%w: outer[0][1][1] is empty", ErrDecode)
	}
	return inner, nil
}

// DecodeFirst tries each frame in order and returns the first payload that
// decodes along with its index. Non-carrier frames, including other
// callbacks that share the envelope, are skipped silently.
func DecodeFirst(frames [][]byte) (Payload, int, error) {
	for i, f := range frames {
		p, err := Decode(f)
		if err == nil {
			return p, i, nil
		}
	}
	return Payload{}, -1, fmt.Errorf("%w: none of %d frames decoded", ErrDecode, len(frames))
}

// Encode wraps p in the backend envelope. It exists for fixtures and for
// replaying archived payloads.
func Encode(p Payload) ([]byte, error) {
	if p.Events == nil {
		p.Events = []RawEvent{}
	}
	inner, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	outer := []any{
		[]any{"op.exec", []any{0, string(inner)}},
		[]any{"di", 42},
	}
	body, err := json.Marshal(outer)
	if err != nil {
		return nil, err
	}
	return append([]byte(")]}'\n\n"), body...), nil
}
