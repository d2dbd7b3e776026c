// Package record turns one captured request/response exchange plus a host
// snapshot into the LogRecord that sinks emit.
package record

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Unavailable is written in place of any value that could not be measured.
const Unavailable = "unavailable"

// LogRecord is the single structured entry emitted per request.
type LogRecord struct {
	Timestamp   string      `json:"timestamp"`
	Request     Request     `json:"request"`
	Response    Response    `json:"response"`
	Performance Performance `json:"performance"`
	System      System      `json:"system"`
	Network     Network     `json:"network"`
	Server      Server      `json:"server"`
}

type Request struct {
	Route     string              `json:"route"`
	Method    string              `json:"method"`
	FullURL   string              `json:"fullUrl"`
	ClientIP  string              `json:"clientIp"`
	UserAgent string              `json:"userAgent"`
	Size      string              `json:"size"`
	Body      json.RawMessage     `json:"body"`
	Query     map[string][]string `json:"query,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
}

type Response struct {
	Status  int                 `json:"status"`
	Success bool                `json:"success"`
	Size    string              `json:"size"`
	Body    json.RawMessage     `json:"body"`
	Headers map[string][]string `json:"headers,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type Performance struct {
	ProcessingTime string `json:"processingTime"`
	MemoryUsed     string `json:"memoryUsed"`
}

type System struct {
	CPUUsage    string      `json:"cpuUsage"`
	MemoryUsage MemoryUsage `json:"memoryUsage"`
}

type MemoryUsage struct {
	Total     string `json:"total"`
	Used      string `json:"used"`
	Available string `json:"available"`
	Percent   string `json:"percent"`
}

type Network struct {
	Interface string `json:"interface"`
	Type      string `json:"type"`
	IP        string `json:"ip"`
	Netmask   string `json:"netmask"`
	IsActive  bool   `json:"isActive"`
	BytesSent string `json:"bytesSent"`
	BytesRecv string `json:"bytesRecv"`
}

type Server struct {
	InstanceID string `json:"instanceId"`
	Platform   string `json:"platform"`
	Hostname   string `json:"hostname"`
}

// Exchange is the mutable per-request state gathered by the middleware.
// It belongs to exactly one request and is handed to the Assembler once the
// request is complete.
type Exchange struct {
	Start time.Time
	End   time.Time

	Request  RequestData
	Response ResponseData

	// Resident memory of the process at both ends of the request.
	MemoryBefore uint64
	MemoryAfter  uint64
	MemoryKnown  bool
}

// RequestData is what the middleware captured from the inbound request.
type RequestData struct {
	Path          string
	Method        string
	URL           string
	ClientIP      string
	UserAgent     string
	ContentLength int64
	Query         url.Values
	Header        http.Header

	Body         []byte
	BodyCaptured bool
	BodyErr      error
}

// ResponseData is what the interceptor saw leave the handler.
type ResponseData struct {
	Status    int
	Header    http.Header
	Body      []byte
	Written   int64
	Truncated bool

	// HandlerErr is set when the handler panicked.
	HandlerErr error
	// Aborted is set when the request context ended before completion.
	Aborted error
}

// Duration returns the processing time.
func (e *Exchange) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}
