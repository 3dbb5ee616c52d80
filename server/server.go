// Package server exposes the analyzer over HTTP.
//
//	POST /analyze                 raw message (message/rfc822, text/plain) or
//	                              JSON {"raw_email": "...", "ip": "...", "domain": "..."}
//	GET  /analyze/domain/{domain} domain posture
//	GET  /health
//	GET  /metrics                 Prometheus
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/analyzer"
	"github.com/synqronlabs/mailverdict/config"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/message"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Analyzer is what the endpoints need from analyzer.Analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, msg *message.Message) analyzer.Report
	AnalyzeDomain(ctx context.Context, domain string) (analyzer.Report, error)
}

// Server is the HTTP front end.
type Server struct {
	config   config.HTTP
	analyzer Analyzer
	router   *chi.Mux
	log      *logrus.Entry
}

// New builds the router. ctx bounds the background work of the rate
// limiter.
func New(ctx context.Context, a Analyzer, cfg config.HTTP) *Server {
	s := &Server{
		config:   cfg,
		analyzer: a,
		log:      log.PrefixedLog("server"),
	}

	s.router = s.createRouter(ctx)

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. Request contexts are detached from ctx so running analyses
// finish; they are cancelled once the shutdown grace period ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	done := make(chan error, 1)

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		cancelBase()

		done <- err
	}()

	s.log.Infof("listening on %s", ln.Addr())

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return <-done
}
