// Package sink delivers finished log records to their destinations.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ngoyal88/relaylog/pkg/record"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("sink: closed")

// Sink receives log records. Emit may be called from many goroutines.
type Sink interface {
	Emit(ctx context.Context, rec *record.LogRecord) error
	Close() error
}

// Encode renders rec as a single-line JSON object. A section that fails to
// marshal is replaced by {"error":"serialization failed: ..."}; the rest of the
// record is still returned together with the joined section errors.
func Encode(rec *record.LogRecord) ([]byte, error) {
	var buf bytes.Buffer
	obj := &recordObject{rec: rec}
	lg := zerolog.New(&buf)
	lg.Log().EmbedObject(obj).Send()
	return bytes.TrimRight(buf.Bytes(), "\n"), errors.Join(obj.errs...)
}

type recordObject struct {
	rec  *record.LogRecord
	errs []error
}

func (o *recordObject) MarshalZerologObject(e *zerolog.Event) {
	e.Str("timestamp", o.rec.Timestamp)
	o.section(e, "request", o.rec.Request)
	o.section(e, "response", o.rec.Response)
	o.section(e, "performance", o.rec.Performance)
	o.section(e, "system", o.rec.System)
	o.section(e, "network", o.rec.Network)
	o.section(e, "server", o.rec.Server)
}

func (o *recordObject) section(e *zerolog.Event, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %w", key, err))
		b, _ = json.Marshal(map[string]string{"error": "serialization failed: " + err.Error()})
	}
	e.RawJSON(key, b)
}

// Multi fans a record out to several named sinks. Every sink is tried; the
// failures are joined.
type Multi struct {
	names []string
	sinks []Sink
}

func NewMulti() *Multi {
	return &Multi{}
}

// Add registers s under name. Not safe to call once Emit is in use.
func (m *Multi) Add(name string, s Sink) {
	m.names = append(m.names, name)
	m.sinks = append(m.sinks, s)
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Emit(ctx context.Context, rec *record.LogRecord) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Emit(context.Context, *record.LogRecord) error { return nil }
func (Discard) Close() error                                  { return nil }
