package astrometry

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// object is a JSON object whose fields are validated one at a time.
type object map[string]json.RawMessage

func decodeObject(body []byte) (object, error) {
	var obj object
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, &DecodeError{Reason: WrongType}
	}
	return obj, nil
}

// field returns the raw value of name; JSON null counts as absent.
func (o object) field(name string) (json.RawMessage, bool) {
	raw, ok := o[name]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

func (o object) requireString(name string) (string, error) {
	raw, ok := o.field(name)
	if !ok {
		return "", &DecodeError{Field: name, Reason: MissingField}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Field: name, Reason: WrongType}
	}
	return s, nil
}

func (o object) requireFloat(name string) (float64, error) {
	raw, ok := o.field(name)
	if !ok {
		return 0, &DecodeError{Field: name, Reason: MissingField}
	}
	return decodeFloat(name, raw)
}

// requireID accepts identifiers sent either as JSON numbers or strings.
func (o object) requireID(name string) (string, error) {
	raw, ok := o.field(name)
	if !ok {
		return "", &DecodeError{Field: name, Reason: MissingField}
	}
	return decodeID(name, raw)
}

func decodeID(name string, raw json.RawMessage) (string, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
			return "", &DecodeError{Field: name, Reason: WrongType}
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", &DecodeError{Field: name, Reason: WrongType}
	}
	return n.String(), nil
}

func decodeFloat(name string, raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &DecodeError{Field: name, Reason: WrongType}
	}
	return f, nil
}

// RawCalibration is the decoded calibration payload of a finished job.
type RawCalibration map[string]json.RawMessage

// Has reports whether field is present and not null.
func (r RawCalibration) Has(field string) bool {
	_, ok := object(r).field(field)
	return ok
}

// Float returns a numeric field, failing with MissingField or WrongType.
func (r RawCalibration) Float(field string) (float64, error) {
	return object(r).requireFloat(field)
}

// Raw returns the undecoded value of field.
func (r RawCalibration) Raw(field string) (json.RawMessage, bool) {
	return object(r).field(field)
}
