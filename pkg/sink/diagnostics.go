package sink

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ngoyal88/relaylog/pkg/record"
)

// Diagnostics reports emission failures on the operator log. Reports beyond
// the configured rate are counted and folded into the next one that gets
// through.
type Diagnostics struct {
	log        zerolog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewDiagnostics allows perSecond reports per second. perSecond <= 0 disables
// throttling.
func NewDiagnostics(log zerolog.Logger, perSecond float64) *Diagnostics {
	limit, burst := rate.Inf, 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		if perSecond > 1 {
			burst = int(perSecond)
		}
	}
	return &Diagnostics{log: log, limiter: rate.NewLimiter(limit, burst)}
}

// EmitFailed reports a record the sinks could not take. rec may be nil.
func (d *Diagnostics) EmitFailed(err error, rec *record.LogRecord) {
	if !d.limiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	ev := d.log.Error().Err(err)
	if n := d.suppressed.Swap(0); n > 0 {
		ev = ev.Int64("suppressed", n)
	}
	if rec != nil {
		ev = ev.Str("route", rec.Request.Route).
			Str("method", rec.Request.Method).
			Int("status", rec.Response.Status)
	}
	ev.Msg("emit log record failed")
}

// Suppressed returns how many reports were dropped since the last one
// written.
func (d *Diagnostics) Suppressed() int64 {
	return d.suppressed.Load()
}
