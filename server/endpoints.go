package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/synqronlabs/mailverdict/message"
	"github.com/synqronlabs/mailverdict/metrics"
)

const jsonContentType = "application/json"

// AnalyzeRequest is the JSON form of POST /analyze.
type AnalyzeRequest struct {
	RawEmail string `json:"raw_email"`

	// IP overrides the client IP found in the trace headers.
	IP string `json:"ip,omitempty"`

	// Domain overrides the From domain.
	Domain string `json:"domain,omitempty"`
}

// ErrorResponse is returned with every non-200 status.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createRouter(ctx context.Context) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RealIP)
	router.Use(Recovery(s.log))
	router.Use(Logger(s.log))

	s.configureCorsHandler(router)

	router.Get("/health", s.health)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		if s.config.RateLimit > 0 {
			r.Use(RateLimit(NewRateLimiter(ctx, s.config.RateLimit, s.config.RateWindow)))
		}

		r.Post("/analyze", s.analyze)
		r.Get("/analyze/domain/{domain}", s.analyzeDomain)
	})

	return router
}

func (s *Server) configureCorsHandler(router *chi.Mux) {
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	crs := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	router.Use(crs.Handler)
}

func (s *Server) health(rw http.ResponseWriter, _ *http.Request) {
	s.writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) analyze(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, req.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(rw, http.StatusRequestEntityTooLarge,
				fmt.Errorf("message exceeds %d bytes", tooLarge.Limit))

			return
		}

		s.writeError(rw, http.StatusBadRequest, err)

		return
	}

	ar := AnalyzeRequest{
		RawEmail: string(body),
		IP:       req.URL.Query().Get("ip"),
		Domain:   req.URL.Query().Get("domain"),
	}

	if mt, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type")); mt == jsonContentType {
		ar = AnalyzeRequest{}

		if err := json.Unmarshal(body, &ar); err != nil {
			s.writeError(rw, http.StatusBadRequest, fmt.Errorf("invalid JSON request: %w", err))

			return
		}
	}

	msg, err := ar.message()
	if err != nil {
		s.writeError(rw, http.StatusBadRequest, err)

		return
	}

	s.writeJSON(rw, http.StatusOK, s.analyzer.Analyze(req.Context(), msg))
}

// message parses the raw email and applies the overrides.
func (ar AnalyzeRequest) message() (*message.Message, error) {
	msg, err := message.Parse([]byte(ar.RawEmail))
	if err != nil {
		return nil, err
	}

	if ar.IP != "" {
		ip := net.ParseIP(ar.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid ip %q", ar.IP)
		}

		msg = msg.WithClientIP(ip)
	}

	if ar.Domain != "" {
		return msg.WithDomain(ar.Domain)
	}

	return msg, nil
}

func (s *Server) analyzeDomain(rw http.ResponseWriter, req *http.Request) {
	report, err := s.analyzer.AnalyzeDomain(req.Context(), chi.URLParam(req, "domain"))
	if err != nil {
		s.writeError(rw, http.StatusBadRequest, err)

		return
	}

	s.writeJSON(rw, http.StatusOK, report)
}

func (s *Server) writeError(rw http.ResponseWriter, status int, err error) {
	s.log.Debugf("%d: %s", status, err)
	s.writeJSON(rw, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", jsonContentType)
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(v); err != nil {
		s.log.Error("can't write response: ", err)
	}
}
