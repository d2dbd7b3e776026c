package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ngoyal88/relaylog/pkg/hostmetrics"
)

// DefaultMaxBodySize caps logged bodies when no limit is configured.
const DefaultMaxBodySize = 5000


// NotReadMarker is logged for request bodies the handler never read and the
// middleware chose not to load.
const NotReadMarker = "<not read by handler>"

// Options controls what the Assembler puts in a record.
type Options struct {
	LogRequestBody  bool
	LogResponseBody bool
	LogHeaders      bool
	MaxBodySize     int
	SensitiveFields []string
}

// DefaultOptions logs both bodies, no headers, 5000 byte cap.
func DefaultOptions() Options {
	return Options{
		LogRequestBody:  true,
		LogResponseBody: true,
		MaxBodySize:     DefaultMaxBodySize,
		SensitiveFields: DefaultSensitiveFields,
	}
}

// Assembler builds LogRecords. It holds no per-request state and is safe for
// concurrent use; the same inputs always give the same record.
type Assembler struct {
	opts     Options
	identity Identity
	redactor *Redactor
}

func NewAssembler(opts Options, id Identity) *Assembler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.SensitiveFields == nil {
		opts.SensitiveFields = DefaultSensitiveFields
	}
	return &Assembler{
		opts:     opts,
		identity: id,
		redactor: NewRedactor(opts.SensitiveFields),
	}
}

// Options returns the options the Assembler was built with.
func (a *Assembler) Options() Options {
	return a.opts
}

// Assemble combines a finished exchange with a host snapshot.
func (a *Assembler) Assemble(ex *Exchange, host hostmetrics.Snapshot) *LogRecord {
	system, network := HostSections(host)
	return &LogRecord{
		Timestamp:   ex.Start.UTC().Format(time.RFC3339Nano),
		Request:     a.request(ex),
		Response:    a.response(ex),
		Performance: performance(ex),
		System:      system,
		Network:     network,
		Server:      a.identity.server(),
	}
}

func (a *Assembler) request(ex *Exchange) Request {
	rd := ex.Request
	req := Request{
		Route:     rd.Path,
		Method:    rd.Method,
		FullURL:   a.redactor.URL(rd.URL),
		ClientIP:  rd.ClientIP,
		UserAgent: rd.UserAgent,
		Size:      requestSize(rd),
		Query:     a.redactor.Values(rd.Query),
	}
	if a.opts.LogHeaders {
		req.Headers = a.redactor.Values(rd.Header)
	}

	if a.opts.LogRequestBody {
		switch {
		case rd.BodyErr != nil:
			req.Body = errorBody(fmt.Sprintf("body read failed: %v", rd.BodyErr))
		case !rd.BodyCaptured:
			req.Body = mustString(NotReadMarker)
		default:
			req.Body = a.body(rd.Body, false, int64(len(rd.Body)))
		}
	}
	return req
}

func requestSize(rd RequestData) string {
	switch {
	case rd.ContentLength >= 0:
		return FormatBytes(rd.ContentLength)
	case rd.BodyCaptured:
		return FormatBytes(int64(len(rd.Body)))
	default:
		return Unavailable
	}
}

func (a *Assembler) response(ex *Exchange) Response {
	rd := ex.Response
	resp := Response{
		Status:  rd.Status,
		Success: rd.Status < 400 && rd.HandlerErr == nil,
		Size:    FormatBytes(rd.Written),
	}
	if a.opts.LogHeaders {
		resp.Headers = a.redactor.Values(rd.Header)
	}
	if a.opts.LogResponseBody {
		resp.Body = a.body(rd.Body, rd.Truncated, rd.Written)
	}

	switch {
	case rd.HandlerErr != nil:
		resp.Error = rd.HandlerErr.Error()
	case rd.Aborted != nil:
		resp.Error = "client disconnected: " + rd.Aborted.Error()
	}
	return resp
}

func performance(ex *Exchange) Performance {
	p := Performance{
		ProcessingTime: FormatDuration(ex.Duration()),
		MemoryUsed:     Unavailable,
	}
	if ex.MemoryKnown {
		p.MemoryUsed = FormatBytes(int64(ex.MemoryAfter) - int64(ex.MemoryBefore))
	}
	return p
}

// body renders a captured body. cut means the capture stopped at the cap;
// total is the size the body really had.
func (a *Assembler) body(data []byte, cut bool, total int64) json.RawMessage {
	if len(data) == 0 && !cut {
		return nil
	}
	if cut || len(data) > a.opts.MaxBodySize {
		return truncatedBody(total)
	}

	if json.Valid(data) {
		out, err := a.redactor.Redact(data)
		if err != nil {
			// The body was never redacted, so none of it goes in the record.
			return errorBody(fmt.Sprintf("serialization failed: %v", err))
		}
		return out
	}
	if utf8.Valid(data) {
		return mustString(string(data))
	}
	return mustString(fmt.Sprintf("<binary data: %d bytes>", len(data)))
}

type truncated struct {
	Truncated    bool   `json:"truncated"`
	OriginalSize string `json:"originalSize"`
}

func truncatedBody(total int64) json.RawMessage {
	return encode(truncated{Truncated: true, OriginalSize: FormatBytes(total)})
}

type failure struct {
	Error string `json:"error"`
}

func errorBody(msg string) json.RawMessage {
	return encode(failure{Error: msg})
}

func mustString(s string) json.RawMessage {
	return encode(s)
}

// encode marshals v without HTML escaping so markers like "<binary data>"
// stay readable. v is always a string or a plain struct.
func encode(v any) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// HostSections renders a host snapshot into the record's system and network
// sections, writing Unavailable for anything that failed.
func HostSections(s hostmetrics.Snapshot) (System, Network) {
	sys := System{
		CPUUsage: Unavailable,
		MemoryUsage: MemoryUsage{
			Total:     Unavailable,
			Used:      Unavailable,
			Available: Unavailable,
			Percent:   Unavailable,
		},
	}
	if s.CPU.Err == nil {
		sys.CPUUsage = FormatPercent(s.CPU.Percent)
	}
	if m := s.Memory; m.Err == nil {
		sys.MemoryUsage = MemoryUsage{
			Total:     FormatUint(m.Total),
			Used:      FormatUint(m.Used),
			Available: FormatUint(m.Available),
			Percent:   FormatPercent(m.Percent),
		}
	}

	net := Network{
		Interface: Unavailable,
		Type:      Unavailable,
		IP:        Unavailable,
		Netmask:   Unavailable,
		BytesSent: Unavailable,
		BytesRecv: Unavailable,
	}
	if n := s.Network; n.Err == nil {
		net.Interface = n.Interface
		net.Type = n.Type
		net.IP = n.IP
		net.Netmask = n.Netmask
		net.IsActive = n.Active
		if n.CountersErr == nil {
			net.BytesSent = FormatUint(n.BytesSent)
			net.BytesRecv = FormatUint(n.BytesRecv)
		}
	}
	return sys, net
}
