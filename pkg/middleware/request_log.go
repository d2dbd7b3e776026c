package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ngoyal88/relaylog/pkg/capture"
	"github.com/ngoyal88/relaylog/pkg/hostmetrics"
	"github.com/ngoyal88/relaylog/pkg/record"
	"github.com/ngoyal88/relaylog/pkg/sink"
)

// DefaultEmitTimeout bounds a single emission when none is configured.
const DefaultEmitTimeout = 5 * time.Second

// Options are the runtime-tunable settings of RequestLogging.
type Options struct {
	ExcludePaths []string
	ExcludeMatch string
	Record       record.Options
	// Async emits records from a separate goroutine once the handler has
	// returned, so slow sinks never hold a response.
	Async       bool
	EmitTimeout time.Duration
	// TrustedProxies limits which peers may set the client address and
	// scheme through X-Forwarded-For, X-Real-IP and X-Forwarded-Proto.
	// Empty trusts every peer.
	TrustedProxies []netip.Prefix
}

func DefaultOptions() Options {
	return Options{
		ExcludeMatch: MatchPrefix,
		Record:       record.DefaultOptions(),
		Async:        true,
		EmitTimeout:  DefaultEmitTimeout,
	}
}

// Config wires RequestLogging to its collaborators. Only Sink is required.
type Config struct {
	Sink        sink.Sink
	Host        hostmetrics.Source
	Memory      hostmetrics.ProcessMemory
	Identity    record.Identity
	Diagnostics *sink.Diagnostics
	Options     Options
}

type settings struct {
	opts      Options
	exclude   exclusions
	trusted   trustedProxies
	assembler *record.Assembler
}

// RequestLogging emits one log record for every request whose path is not
// excluded, including requests whose handler panics.
type RequestLogging struct {
	sink     sink.Sink
	host     hostmetrics.Source
	memory   hostmetrics.ProcessMemory
	identity record.Identity
	diag     *sink.Diagnostics

	current atomic.Pointer[settings]

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func NewRequestLogging(cfg Config) *RequestLogging {
	l := &RequestLogging{
		sink:     cfg.Sink,
		host:     cfg.Host,
		memory:   cfg.Memory,
		identity: cfg.Identity,
		diag:     cfg.Diagnostics,
	}
	if l.sink == nil {
		l.sink = sink.Discard{}
	}
	if l.host == nil {
		l.host = hostmetrics.Unavailable{}
	}
	if l.memory == nil {
		l.memory = hostmetrics.Unavailable{}
	}
	if l.diag == nil {
		l.diag = sink.NewDiagnostics(zerolog.Nop(), 0)
	}
	if l.identity.InstanceID == "" {
		l.identity = record.NewIdentity()
	}
	l.SetOptions(cfg.Options)
	return l
}

// SetOptions swaps the options for requests that start after the call.
func (l *RequestLogging) SetOptions(opts Options) {
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = DefaultEmitTimeout
	}
	if opts.ExcludeMatch == "" {
		opts.ExcludeMatch = MatchPrefix
	}
	asm := record.NewAssembler(opts.Record, l.identity)
	opts.Record = asm.Options()
	l.current.Store(&settings{
		opts:      opts,
		exclude:   newExclusions(opts.ExcludePaths, opts.ExcludeMatch),
		trusted:   trustedProxies(opts.TrustedProxies),
		assembler: asm,
	})
}

func (l *RequestLogging) Options() Options {
	return l.current.Load().opts
}

// Middleware adapts Handler to the func(http.Handler) http.Handler form.
func (l *RequestLogging) Middleware() func(http.Handler) http.Handler {
	return l.Handler
}

func (l *RequestLogging) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := l.current.Load()
		if s.exclude.match(r.URL.Path) {
			requestsExcluded.Inc()
			next.ServeHTTP(w, r)
			return
		}

		ex := &record.Exchange{Start: time.Now(), Request: requestData(r, s.trusted.allows(r.RemoteAddr))}
		memBefore, memErr := l.memory.ResidentMemory()

		var body *capture.Body
		if r.Body == nil || r.Body == http.NoBody {
			ex.Request.BodyCaptured = true
		} else {
			body = capture.Install(r)
		}
		ic := capture.NewInterceptor(w, s.opts.Record.MaxBodySize, s.opts.Record.LogResponseBody)

		defer func() {
			p := recover()
			ex.End = time.Now()
			if memErr == nil {
				if after, err := l.memory.ResidentMemory(); err == nil {
					ex.MemoryBefore, ex.MemoryAfter, ex.MemoryKnown = memBefore, after, true
				}
			}
			l.collectRequestBody(s, ex, body, p != nil)
			l.collectResponse(r.Context(), ex, ic, p)
			l.emit(r.Context(), s, ex)

			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(ic.Writer(), r)
	})
}

func (l *RequestLogging) collectRequestBody(s *settings, ex *record.Exchange, body *capture.Body, failed bool) {
	if body == nil {
		return
	}
	if err := body.Err(); err != nil {
		ex.Request.BodyErr = err
		return
	}

	load := body.Loaded()
	if !load && s.opts.Record.LogRequestBody && !failed && !body.Closed() {
		// The handler never touched the body. Load it only when it is small
		// and announced, so an unread stream can never stall the record.
		cl := ex.Request.ContentLength
		load = cl > 0 && cl <= int64(s.opts.Record.MaxBodySize)
	}
	if !load {
		return
	}

	data, err := body.Bytes()
	if err != nil {
		ex.Request.BodyErr = err
		return
	}
	ex.Request.Body = data
	ex.Request.BodyCaptured = true
}

func (l *RequestLogging) collectResponse(ctx context.Context, ex *record.Exchange, ic *capture.Interceptor, panicked any) {
	status, ok := ic.Status()
	if !ok {
		status = http.StatusOK
		if panicked != nil {
			status = http.StatusInternalServerError
		}
	}

	ex.Response = record.ResponseData{
		Status:    status,
		Header:    ic.Header(),
		Written:   ic.Written(),
		Truncated: ic.Truncated(),
	}
	if panicked != nil {
		handlerPanics.Inc()
		ex.Response.HandlerErr = fmt.Errorf("panic: %v", panicked)
	}
	if err := ctx.Err(); err != nil {
		ex.Response.Aborted = err
		return
	}
	ex.Response.Body = ic.Body()
}

func (l *RequestLogging) emit(parent context.Context, s *settings, ex *record.Exchange) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.EmitTimeout)

	if !s.opts.Async || !l.track() {
		defer cancel()
		l.deliver(ctx, s, ex)
		return
	}
	go func() {
		defer l.inflight.Done()
		defer cancel()
		l.deliver(ctx, s, ex)
	}()
}

// deliver never lets a failure on the log path reach the response or the
// process: panics from the host source, the assembler or a sink are counted
// and reported like any other sink failure.
func (l *RequestLogging) deliver(ctx context.Context, s *settings, ex *record.Exchange) {
	var rec *record.LogRecord
	defer func() {
		if p := recover(); p != nil {
			sinkFailures.Inc()
			l.diag.EmitFailed(fmt.Errorf("log path panic: %v", p), rec)
		}
	}()

	rec = s.assembler.Assemble(ex, l.host.Snapshot(ctx))

	processingTime.WithLabelValues(ex.Request.Method).Observe(ex.Duration().Seconds())
	if ex.Response.Truncated {
		bodyTruncations.WithLabelValues("response").Inc()
	}
	if s.opts.Record.LogRequestBody && len(ex.Request.Body) > s.opts.Record.MaxBodySize {
		bodyTruncations.WithLabelValues("request").Inc()
	}

	if err := l.sink.Emit(ctx, rec); err != nil {
		sinkFailures.Inc()
		l.diag.EmitFailed(err, rec)
		return
	}
	recordsEmitted.Inc()
}

// track registers an async emission. It refuses once Shutdown has begun so
// the caller delivers inline instead.
func (l *RequestLogging) track() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining {
		return false
	}
	l.inflight.Add(1)
	return true
}

// Shutdown waits for in-flight async emissions. Records from requests that
// finish afterwards are emitted synchronously.
func (l *RequestLogging) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
