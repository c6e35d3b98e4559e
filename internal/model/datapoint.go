// Package models defines the data structures used throughout the connector.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Signal is one named value inside a DataPoint.
//
// Value is a scalar (json.Number, float64, int, string, bool or nil) or an
// array of scalars ([]any).
type Signal struct {
	Name  string
	Value any
}

// IsArray reports whether the signal holds an array of scalars.
func (s Signal) IsArray() bool {
	switch s.Value.(type) {
	case []any, []json.Number, []float64, []int, []int64, []string, []bool:
		return true
	}
	return false
}

// DataPoint is one reading of a trace: signals in their original order.
//
// Order is significant, so a DataPoint is a slice rather than a map. It
// encodes to and decodes from a flat JSON object.
type DataPoint []Signal

// Get returns the value of the named signal.
func (d DataPoint) Get(name string) (any, bool) {
	for _, s := range d {
		if s.Name == name {
			return s.Value, true
		}
	}
	return nil, false
}

// Names returns signal names in order.
func (d DataPoint) Names() []string {
	names := make([]string, 0, len(d))
	for _, s := range d {
		names = append(names, s.Name)
	}
	return names
}

// ScalarCount returns the number of non-array signals.
func (d DataPoint) ScalarCount() int {
	n := 0
	for _, s := range d {
		if !s.IsArray() {
			n++
		}
	}
	return n
}

// WriteJSON writes the data point as a JSON object preserving signal order.
func (d DataPoint) WriteJSON(w io.Writer) error {
	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, s := range d {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		key, err := json.Marshal(s.Name)
		if err != nil {
			return fmt.Errorf("encode signal name: %w", err)
		}
		val, err := json.Marshal(s.Value)
		if err != nil {
			return fmt.Errorf("encode signal %s: %w", s.Name, err)
		}
		if _, err := w.Write(key); err != nil {
			return err
		}
		if _, err := io.WriteString(w, ":"); err != nil {
			return err
		}
		if _, err := w.Write(val); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}")
	return err
}

// MarshalJSON implements json.Marshaler.
func (d DataPoint) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.WriteJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
//
// Numbers keep their textual form as json.Number. A repeated key replaces the
// earlier value in place. Nested objects and nested arrays are rejected.
func (d *DataPoint) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("data point must be a JSON object, got %v", tok)
	}

	point := DataPoint{}
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected signal name %v", tok)
		}
		value, err := decodeSignalValue(dec)
		if err != nil {
			return fmt.Errorf("signal %q: %w", name, err)
		}
		if i, exists := index[name]; exists {
			point[i].Value = value
			continue
		}
		index[name] = len(point)
		point = append(point, Signal{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = point
	return nil
}

func decodeSignalValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	if delim != '[' {
		return nil, fmt.Errorf("nested objects are not supported")
	}
	values := []any{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if _, nested := tok.(json.Delim); nested {
			return nil, fmt.Errorf("arrays must contain scalars only")
		}
		values = append(values, tok)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return values, nil
}

// Trace is the ordered, finite sequence of data points replayed by a device.
type Trace []DataPoint
