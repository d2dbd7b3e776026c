package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// RedactedValue replaces the value of every sensitive key.
const RedactedValue = "***REDACTED***"

// DefaultSensitiveFields are redacted when no list is configured.
var DefaultSensitiveFields = []string{"password", "token", "secret", "api_key"}

var errTrailingData = errors.New("trailing data after JSON value")

// Redactor masks the values of sensitive keys in JSON documents. Keys are
// matched case-insensitively at any depth; key order and every other value
// are left as they were.
type Redactor struct {
	fields map[string]struct{}
}

func NewRedactor(fields []string) *Redactor {
	r := &Redactor{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			r.fields[strings.ToLower(f)] = struct{}{}
		}
	}
	return r
}

// Sensitive reports whether key names a sensitive field.
func (r *Redactor) Sensitive(key string) bool {
	_, ok := r.fields[strings.ToLower(key)]
	return ok
}

// Redact rewrites data with sensitive values replaced. The result is compact
// JSON.
func (r *Redactor) Redact(data []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out bytes.Buffer
	out.Grow(len(data))
	if err := r.value(dec, &out); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return out.Bytes(), nil
}

// Values returns a copy of m with sensitive keys masked. Used for headers
// and query parameters.
func (r *Redactor) Values(m map[string][]string) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		if r.Sensitive(k) {
			out[k] = []string{RedactedValue}
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// URL masks sensitive query parameters in raw, keeping every other
// parameter and their order untouched.
func (r *Redactor) URL(raw string) string {
	base, query, ok := strings.Cut(raw, "?")
	if !ok || query == "" {
		return raw
	}
	query, fragment, hasFragment := strings.Cut(query, "#")

	pairs := strings.Split(query, "&")
	changed := false
	for i, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if r.Sensitive(key) {
			pairs[i] = url.QueryEscape(key) + "=" + url.QueryEscape(RedactedValue)
			changed = true
		}
	}
	if !changed {
		return raw
	}

	out := base + "?" + strings.Join(pairs, "&")
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

func (r *Redactor) value(dec *json.Decoder, out *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return r.object(dec, out)
		case '[':
			return r.array(dec, out)
		default:
			return fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return writeString(out, t)
	case json.Number:
		out.WriteString(t.String())
	case bool:
		if t {
			out.WriteString("true")
		} else {
			out.WriteString("false")
		}
	case nil:
		out.WriteString("null")
	default:
		return fmt.Errorf("unexpected token %T", tok)
	}
	return nil
}

func (r *Redactor) object(dec *json.Decoder, out *bytes.Buffer) error {
	out.WriteByte('{')
	for first := true; dec.More(); first = false {
		if !first {
			out.WriteByte(',')
		}
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("object key is %T", tok)
		}
		if err := writeString(out, key); err != nil {
			return err
		}
		out.WriteByte(':')

		if r.Sensitive(key) {
			if err := skipValue(dec); err != nil {
				return err
			}
			if err := writeString(out, RedactedValue); err != nil {
				return err
			}
			continue
		}
		if err := r.value(dec, out); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	out.WriteByte('}')
	return nil
}

func (r *Redactor) array(dec *json.Decoder, out *bytes.Buffer) error {
	out.WriteByte('[')
	for first := true; dec.More(); first = false {
		if !first {
			out.WriteByte(',')
		}
		if err := r.value(dec, out); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	out.WriteByte(']')
	return nil
}

// skipValue consumes one complete value, however deeply nested.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

func writeString(out *bytes.Buffer, s string) error {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode always terminates with a newline.
	out.Truncate(out.Len() - 1)
	return nil
}
