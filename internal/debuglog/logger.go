// Package debuglog is the process-wide stderr logger. Logf always writes;
// Debugf and RateLimitedf only write when GHOST_DEBUG=1, through a bounded
// queue so the network goroutines and the tick loop never block on stderr.
package debuglog

import (
	"fmt"
	"io"
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
	outMu   sync.Mutex
	out     io.Writer = os.Stderr
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func Enabled() bool {
	return os.Getenv("GHOST_DEBUG") == "1"
}

// SetOutput redirects log output and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	out = w
	return prev
}

func write(msg string) {
	outMu.Lock()
	_, _ = io.WriteString(out, msg)
	outMu.Unlock()
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				write(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !Enabled() {
		write(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// saturated
	}
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval for each key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	if !allow(key, interval, time.Now()) {
		return
	}
	Logf(format, args...)
}

func allow(key string, interval time.Duration, now time.Time) bool {
	rlMu.Lock()
	defer rlMu.Unlock()
	if now.Sub(rlLast[key]) < interval {
		return false
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
	return true
}
