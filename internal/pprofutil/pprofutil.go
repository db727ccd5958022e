// Package pprofutil serves net/http/pprof for a running node when enabled.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"sync"
	"time"

	"ghostnet/internal/config"
)

var (
	startOnce sync.Once
	startErr  error
	startAddr string
)

// Start launches the pprof server described by cfg once per process and
// returns the bound address. It is a no-op unless cfg.Pprof is set.
func Start(cfg config.Node, logw io.Writer) (string, error) {
	if !cfg.Pprof {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(cfg.PprofAddr)
		if !cfg.PprofAllowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("GHOST_PPROF_ADDR must be loopback unless GHOST_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		startAddr = ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", startAddr)
		}
		srv := &http.Server{
			Addr:              startAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startAddr, startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
