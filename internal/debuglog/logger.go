// Package debuglog is a minimal stderr logger, in the style the teacher repo
// uses for its own daemon logging. Debugf and RateLimitedf are gated by an
// environment variable: cheap by default, silent unless explicitly enabled,
// and queued so they never block the network goroutines that call them.
// Logf is the exception: it always writes, directly and synchronously.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("SNAP2P_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always writes, bypassing the SNAP2P_DEBUG gate. Reserved for
// operator-facing lines (listener ready, fatal dial errors).
func Logf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Debugf writes only when SNAP2P_DEBUG=1, queued through a bounded channel
// so a saturated log sink drops messages instead of blocking callers.
func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	msg := fmt.Sprintf(format+"\n", args...)
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep session goroutines non-blocking.
	}
}

// RateLimitedf is Debugf throttled to at most once per interval per key,
// for paths that can fire on every frame (keepalive timeouts, rate-limit
// rejections).
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
