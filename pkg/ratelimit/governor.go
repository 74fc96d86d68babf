// Package ratelimit paces outgoing upstream calls with a sliding window and
// a minimum inter-request interval, backed by state shared across processes.
package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

// retryBuffer pads the wait for the oldest window entry to age out.
const retryBuffer = 100 * time.Millisecond

type Options struct {
	MaxRequests int           // admissions per window
	Window      time.Duration // sliding window length
	MinInterval time.Duration // minimum gap between admissions
}

func (o *Options) normalize() {
	if o.MaxRequests <= 0 {
		o.MaxRequests = 20
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.MinInterval <= 0 {
		o.MinInterval = time.Second
	}
}

// Status is an advisory snapshot of the window, for observability only.
type Status struct {
	WindowRequests    int   `json:"window_requests"`
	MaxRequests       int   `json:"max_requests"`
	IsLimited         bool  `json:"is_limited"`
	OldestExpiresInMS int64 `json:"oldest_expires_in_ms"`
	RecommendedWaitMS int64 `json:"recommended_wait_ms"`
}

// Governor serializes admission decisions within this process and reloads
// the shared window from the store before every decision so cooperating
// instances see each other's traffic.
type Governor struct {
	store StateStore
	opts  Options

	mu  sync.Mutex
	now func() time.Time
}

func New(store StateStore, opts Options) *Governor {
	opts.normalize()
	return &Governor{
		store: store,
		opts:  opts,
		now:   time.Now,
	}
}

// Admit blocks until a call may safely go out, then records it. It only
// fails when ctx is cancelled while waiting.
func (g *Governor) Admit(ctx context.Context) error {
	for {
		wait, admitted := g.tryAdmit()
		if admitted {
			return nil
		}
		log.Debug("rate governor pacing", "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Governor) tryAdmit() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.reload()
	now := g.now()
	g.purge(w, now)

	if wait := g.admissionWait(w, now); wait > 0 {
		return wait, false
	}

	nowMS := now.UnixMilli()
	w.RequestTimestamps = append(w.RequestTimestamps, nowMS)
	w.LastRequestTime = nowMS
	w.IsLimited = false
	w.RetryAfter = 0
	if err := g.store.Save(w); err != nil {
		log.Warn("persist rate state", "err", err)
	}
	return 0, true
}

// admissionWait returns how long to hold the next call, zero when it may go
// out now. Negative computations (clock skew between cooperating processes)
// clamp to zero.
func (g *Governor) admissionWait(w *Window, now time.Time) time.Duration {
	nowMS := now.UnixMilli()

	if w.IsLimited {
		until := w.LastRequestTime + int64(w.RetryAfter)*1000
		if wait := time.Duration(until-nowMS) * time.Millisecond; wait > 0 {
			return wait
		}
	}

	if len(w.RequestTimestamps) >= g.opts.MaxRequests {
		oldest := w.RequestTimestamps[0]
		exit := oldest + g.opts.Window.Milliseconds() - nowMS
		wait := time.Duration(exit)*time.Millisecond + retryBuffer
		if wait > 0 {
			return wait
		}
	}

	if w.LastRequestTime > 0 {
		elapsed := time.Duration(nowMS-w.LastRequestTime) * time.Millisecond
		if elapsed < g.opts.MinInterval {
			return g.opts.MinInterval - elapsed
		}
	}
	return 0
}

// MarkLimited records an upstream-reported limit so every admission waits
// out the penalty before trying again.
func (g *Governor) MarkLimited(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.reload()
	now := g.now()
	g.purge(w, now)
	w.IsLimited = true
	w.RetryAfter = int(retryAfter / time.Second)
	if w.RetryAfter <= 0 {
		w.RetryAfter = 60
	}
	w.LastRequestTime = now.UnixMilli()
	if err := g.store.Save(w); err != nil {
		log.Warn("persist rate state", "err", err)
	}
}

func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.reload()
	now := g.now()
	g.purge(w, now)

	st := Status{
		WindowRequests: len(w.RequestTimestamps),
		MaxRequests:    g.opts.MaxRequests,
		IsLimited:      w.IsLimited,
	}
	if len(w.RequestTimestamps) > 0 {
		expires := w.RequestTimestamps[0] + g.opts.Window.Milliseconds() - now.UnixMilli()
		if expires > 0 {
			st.OldestExpiresInMS = expires
		}
	}
	if wait := g.admissionWait(w, now); wait > 0 {
		st.RecommendedWaitMS = wait.Milliseconds()
	}
	return st
}

// reload pulls the latest shared window; other instances may have advanced
// it since the last call.
func (g *Governor) reload() *Window {
	w, err := g.store.Load()
	if err != nil {
		log.Warn("load rate state", "err", err)
	}
	if w == nil {
		w = &Window{}
	}
	return w
}

func (g *Governor) purge(w *Window, now time.Time) {
	cutoff := now.UnixMilli() - g.opts.Window.Milliseconds()
	kept := w.RequestTimestamps[:0]
	for _, ts := range w.RequestTimestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	w.RequestTimestamps = kept
}
