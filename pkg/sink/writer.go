package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ngoyal88/relaylog/pkg/record"
)

// Writer writes one JSON record per line to an io.Writer. Lines from
// concurrent emits never interleave.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	closed bool
}

// NewWriter writes JSON lines to out. out is not closed by Close.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// NewPrettyWriter renders records through zerolog's ConsoleWriter, for
// reading in a terminal.
func NewPrettyWriter(out io.Writer, noColor bool) *Writer {
	return &Writer{out: zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		PartsOrder: []string{zerolog.MessageFieldName},
	}}
}

// OpenFile appends records to path, creating it if needed.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Writer{out: f, closer: f}, nil
}

func (w *Writer) Emit(ctx context.Context, rec *record.LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, encErr := Encode(rec)
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.out.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if encErr != nil {
		return fmt.Errorf("encode record: %w", encErr)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
