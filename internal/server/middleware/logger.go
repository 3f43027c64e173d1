package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// NewRequestLogger logs each request when it arrives and again when it
// finishes. For a websocket upgrade the second line is written once the
// connection closes and carries its connection and user ids.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				reqMeta = &RequestMetadata{}
			}
			start := time.Now()
			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", reqMeta.IP),
				slog.Bool("upgrade", r.Header.Get("Upgrade") != ""),
			)

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", reqMeta.IP),
				slog.Int("status", rec.code()),
				slog.Duration("duration", time.Since(start)),
				slog.Bool("handshakeToken", reqMeta.Token != ""),
			}
			if reqMeta.ConnID != uuid.Nil {
				attrs = append(attrs, slog.String("connID", reqMeta.ConnID.String()))
			}
			if reqMeta.UserID != "" {
				attrs = append(attrs, slog.String("userID", reqMeta.UserID))
			}
			logger.Info("HTTP request finished", attrs...)
		})
	}
}

// statusRecorder remembers the response status. It stays hijackable so
// websocket upgrades pass through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil && s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
