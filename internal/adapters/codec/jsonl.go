// Package codec reads and writes the line-delimited JSON form of a record.
//
// One line holds one JSON object. Nested objects are flattened into dotted
// field names, so {"solar":{"v_load":13.2}} decodes to the field
// "solar.v_load". Encoding always emits the flat form in field order, which
// makes Decode(Encode(r)) reproduce r exactly.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/ghalamif/Tether/internal/domain"
)

// TimeField carries the capture timestamp written by the remote sampler.
const TimeField = "@time"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// Decode parses one line. Malformed input yields a *domain.DecodeError holding
// the offending bytes; it never panics.
func Decode(raw []byte) (*domain.Record, error) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil, decodeError(raw, "empty line")
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, decodeError(raw, err.Error())
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, decodeError(raw, "expected a JSON object")
	}

	rec := &domain.Record{}
	if err := decodeObject(dec, "", rec); err != nil {
		return nil, decodeError(raw, err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, decodeError(raw, "trailing data after object")
	}

	if ts, ok := rec.String(TimeField); ok {
		if t, ok := parseTime(ts); ok {
			rec.CapturedAt = t
		}
	}
	return rec, nil
}

func decodeObject(dec *json.Decoder, prefix string, rec *domain.Record) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if name == "" {
			return errors.New("empty field name")
		}

		tok, err = dec.Token()
		if err != nil {
			return err
		}

		var val domain.Value
		switch v := tok.(type) {
		case json.Delim:
			if v == '[' {
				return fmt.Errorf("field %q: arrays are not supported", name)
			}
			if err := decodeObject(dec, name, rec); err != nil {
				return err
			}
			continue
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			val = f
		case string, bool, nil:
			val = v
		default:
			return fmt.Errorf("field %q: unexpected token %v", name, tok)
		}

		if rec.Has(name) {
			return fmt.Errorf("duplicate field %q", name)
		}
		rec.Fields = append(rec.Fields, domain.Field{Name: name, Value: val})
	}

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '}' {
		return fmt.Errorf("unexpected token %v", tok)
	}
	return nil
}

// Encode writes the record as a compact JSON object without a trailing newline.
func Encode(r *domain.Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}

	buf := make([]byte, 0, 16*len(r.Fields)+2)
	buf = append(buf, '{')
	for i, f := range r.Fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')

		switch v := f.Value.(type) {
		case nil:
			buf = append(buf, "null"...)
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("field %q: %v is not representable", f.Name, v)
			}
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		case string:
			s, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			buf = append(buf, s...)
		case bool:
			buf = strconv.AppendBool(buf, v)
		default:
			return nil, fmt.Errorf("field %q: unsupported value type %T", f.Name, v)
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

// EncodeIndent pretty-prints the record, one field per line.
func EncodeIndent(r *domain.Record, indent string) ([]byte, error) {
	b, err := Encode(r)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", indent); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func decodeError(raw []byte, reason string) error {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &domain.DecodeError{Raw: cp, Reason: reason}
}
