// Command `prinvert-server` runs the P(r) inversion HTTP API locally.
//
// It accepts job documents over JSON, runs them in the background and
// streams search progress over WebSocket. A static UI can be served from
// --web.
//
// Flags:
//
//	--addr:     TCP address to listen on (default 127.0.0.1:8080)
//	--web:      optional web root containing index.html
//	--max-jobs: jobs running at once
//	--workers:  term counts searched concurrently per job
//	--journal:  append one JSON line per finished job to this file
//	--open:     open the UI URL in your default browser at startup
//	--debug:    debug logging
//	--pretty:   human-readable console logs instead of JSON
//
// Env:
//
//	PRINVERT_NO_OPEN=1 disables browser auto-open even when --open is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/CK6170/PrInvert-go/internal/server"
)

// Version is set at build time with -ldflags if desired.
var Version = "dev"

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:8080", "http listen address")
		web     = flag.String("web", "", "path to web root (index.html); empty serves the API only")
		maxJobs = flag.Int("max-jobs", 2, "jobs running at once")
		workers = flag.Int("workers", 0, "term counts searched concurrently per job (0 = job setting)")
		journal = flag.String("journal", "", "append one JSON line per finished job to this file")
		open    = flag.Bool("open", false, "open the web UI in your default browser on startup")
		debug   = flag.Bool("debug", false, "debug logging")
		pretty  = flag.Bool("pretty", false, "console log format instead of JSON")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("app", "prinvert-server").Logger()
	if *pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	webDir := ""
	if *web != "" {
		abs, err := filepath.Abs(*web)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve web directory")
		}
		if !server.WebDirExists(abs) {
			log.Fatal().Str("dir", abs).Msg("web directory does not exist")
		}
		webDir = abs
	}

	s := server.New(server.Options{
		WebDir:  webDir,
		Version: Version,
		MaxJobs: *maxJobs,
		Workers: *workers,
		Journal: *journal,
		Logger:  log,
	})

	// Bind the listen address early so we fail fast if the port is in use.
	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("failed to listen")
	}
	uiURL := makeUIURL(*addr)
	log.Info().Str("addr", *addr).Str("url", uiURL).Msg("serving")

	if *open && os.Getenv("PRINVERT_NO_OPEN") == "" {
		if err := openBrowser(uiURL); err != nil {
			log.Warn().Err(err).Msg("failed to open browser")
		}
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server stopped")
	}
	s.Close()
}

// makeUIURL turns a listen address (host:port) into a browser-friendly URL.
//
// If the server is bound to 0.0.0.0 / ::, the returned URL uses 127.0.0.1
// because wildcard addresses are not reachable targets in browsers.
func makeUIURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/", host, port)
}

// openBrowser opens url in the OS default browser without waiting for it.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/c", "start", "", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
