// Package server implements the query execution service. It accepts
// newline-delimited JSON requests over TCP, re-validates each query as
// read-only, clamps the requested row and time limits at its own
// ceilings, and runs the query against the configured backend.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/sqlguard"
)

const maxRequestBytes = 1 << 20

type Server struct {
	log      *slog.Logger
	cfg      Config
	httpSrv  *http.Server
	listener net.Listener
	ready    atomic.Bool
	conns    sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		listener: cfg.Listener,
	}

	if cfg.HTTPListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ok\n")); err != nil {
				s.log.Error("server: failed to write healthz response", "error", err)
			}
		}))
		mux.Handle("/readyz", http.HandlerFunc(s.readyzHandler))
		mux.Handle("/metrics", promhttp.Handler())

		s.httpSrv = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
	}

	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 2)

	go func() {
		if err := s.acceptLoop(ctx); err != nil {
			serveErrCh <- fmt.Errorf("failed to serve queries: %w", err)
		}
	}()
	s.log.Info("server: query protocol listening", "address", s.listener.Addr())

	if s.httpSrv != nil {
		go func() {
			if err := s.httpSrv.Serve(s.cfg.HTTPListener); err != nil && err != http.ErrServerClosed {
				s.log.Error("server: http server error", "error", err)
				serveErrCh <- fmt.Errorf("failed to serve HTTP: %w", err)
			}
		}()
		s.log.Info("server: http listening", "address", s.cfg.HTTPListener.Addr())
	}

	s.ready.Store(true)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		return s.shutdown()
	case err := <-serveErrCh:
		s.log.Error("server: server error causing shutdown", "error", err)
		_ = s.shutdown()
		return err
	}
}

func (s *Server) shutdown() error {
	s.ready.Store(false)

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Error("server: failed to close query listener", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("server: timed out waiting for connections to drain")
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.log.Info("server: shutdown complete")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves one client. A connection carries any number of
// requests, one JSON document per line, answered in order.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("server: failed to close connection", "error", err)
		}
	}()

	connectionsOpen.Inc()
	defer connectionsOpen.Dec()

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	for {
		if ctx.Err() != nil {
			return
		}

		line, err := reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				// The line cannot complete inside the buffer; answer once
				// and drop the connection.
				resp := exec.Response{
					ErrorKind: exec.ErrorKindRejected,
					Message:   fmt.Sprintf("request exceeds %d bytes", maxRequestBytes),
				}
				if out, merr := json.Marshal(resp); merr == nil {
					_, _ = conn.Write(append(out, '\n'))
				}
			}
			return
		}

		var req exec.Request
		var resp exec.Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = exec.Response{
				ErrorKind: exec.ErrorKindRejected,
				Message:   fmt.Sprintf("malformed request: %v", err),
			}
		} else {
			resp = s.handleRequest(ctx, req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("server: failed to marshal response", "error", err)
			return
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			s.log.Debug("server: failed to write response", "error", err)
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req exec.Request) exec.Response {
	start := time.Now()

	limits := s.clampLimits(req)

	// The caller is expected to have validated the statement already.
	// Re-check here regardless, the server is the last line before the
	// warehouse.
	if problem := sqlguard.CheckSyntax(req.QueryText); problem != nil {
		requestsTotal.WithLabelValues("rejected").Inc()
		return exec.Response{ErrorKind: exec.ErrorKindRejected, Message: problem.Error()}
	}
	if problem := sqlguard.CheckReadOnly(req.QueryText); problem != nil {
		s.log.Warn("server: rejected non-read statement", "detail", problem.Detail)
		requestsTotal.WithLabelValues("rejected").Inc()
		return exec.Response{ErrorKind: exec.ErrorKindRejected, Message: problem.Error()}
	}

	result, err := s.cfg.Backend.Execute(ctx, req.QueryText, limits)
	queryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		kind, msg := classifyError(err)
		requestsTotal.WithLabelValues(kind).Inc()
		s.log.Warn("server: query failed", "kind", kind, "error", err)
		return exec.Response{ErrorKind: kind, Message: msg}
	}

	requestsTotal.WithLabelValues("ok").Inc()
	rowsReturned.Observe(float64(result.RowCount))
	s.log.Debug("server: query served",
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"elapsed_ms", result.ElapsedMS,
	)

	return exec.Response{
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		ElapsedMS: result.ElapsedMS,
	}
}

// clampLimits applies the server ceilings. A request may ask for less
// than the ceiling but never more; zero or negative values fall back to
// the ceiling.
func (s *Server) clampLimits(req exec.Request) exec.Limits {
	limits := exec.Limits{
		MaxRows: s.cfg.MaxRows,
		Timeout: s.cfg.Timeout,
	}
	if req.MaxRows > 0 && req.MaxRows < limits.MaxRows {
		limits.MaxRows = req.MaxRows
	}
	if req.TimeoutMS > 0 {
		requested := time.Duration(req.TimeoutMS) * time.Millisecond
		if requested < limits.Timeout {
			limits.Timeout = requested
		}
	}
	return limits
}

func classifyError(err error) (kind, message string) {
	var queryErr *exec.QueryError
	switch {
	case errors.Is(err, exec.ErrTimeout):
		return exec.ErrorKindTimeout, err.Error()
	case errors.Is(err, exec.ErrRejected):
		return exec.ErrorKindRejected, err.Error()
	case errors.As(err, &queryErr):
		return exec.ErrorKindQuery, queryErr.Message
	default:
		return exec.ErrorKindUnavailable, err.Error()
	}
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}
