package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

const (
	pathRequestSplit   = "/v1/request-split"
	pathSplitFinished  = "/v1/split-finished"
	pathSplitFailed    = "/v1/split-failed"
	pathStreamProgress = "/v1/stream-progress"
	pathHeartbeat      = "/v1/heartbeat"

	codeJobFailed  = "job_failed"
	codeRejected   = "rejected"
	codeBadRequest = "bad_request"
)

type workerRequest struct {
	Worker string `json:"worker"`
}

type splitFinishedRequest struct {
	Worker  string        `json:"worker"`
	SplitID string        `json:"split_id"`
	Bracket split.Bracket `json:"bracket"`
}

type splitFailedRequest struct {
	Worker    string `json:"worker"`
	SplitID   string `json:"split_id"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

type streamProgressRequest struct {
	Worker   string          `json:"worker"`
	Position common.Position `json:"position"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server exposes a Coordinator to remote workers as JSON over HTTP.
type Server struct {
	coord  *Coordinator
	addr   string
	logger *zap.Logger
	server *http.Server
}

func NewServer(coord *Coordinator, addr string, logger *zap.Logger) *Server {
	return &Server{
		coord:  coord,
		addr:   addr,
		logger: common.LoggerWithComponent(logger, "coordinator_http"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathRequestSplit, post(s, func(ctx context.Context, req workerRequest) (interface{}, error) {
		return s.coord.RequestSplit(ctx, req.Worker)
	}))
	mux.HandleFunc(pathSplitFinished, post(s, func(ctx context.Context, req splitFinishedRequest) (interface{}, error) {
		return struct{}{}, s.coord.ReportSplitFinished(ctx, req.Worker, req.SplitID, req.Bracket)
	}))
	mux.HandleFunc(pathSplitFailed, post(s, func(ctx context.Context, req splitFailedRequest) (interface{}, error) {
		return struct{}{}, s.coord.ReportSplitFailed(ctx, req.Worker, req.SplitID, req.Retryable, req.Message)
	}))
	mux.HandleFunc(pathStreamProgress, post(s, func(ctx context.Context, req streamProgressRequest) (interface{}, error) {
		return struct{}{}, s.coord.ReportStreamProgress(ctx, req.Worker, req.Position)
	}))
	mux.HandleFunc(pathHeartbeat, post(s, func(ctx context.Context, req workerRequest) (interface{}, error) {
		return struct{}{}, s.coord.Heartbeat(ctx, req.Worker)
	}))
	return mux
}

// post decodes a JSON request body of type T, calls fn and encodes the
// result or the error.
func post[T any](s *Server, fn func(ctx context.Context, req T) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: codeBadRequest})
			return
		}

		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: codeBadRequest})
			return
		}

		resp, err := fn(r.Context(), req)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusOK, resp)
		case errors.Is(err, ErrJobFailed):
			s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: codeJobFailed})
		default:
			s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: codeRejected})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Starting coordinator RPC server", zap.String("address", s.addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Coordinator RPC server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown coordinator RPC server: %w", err)
	}
	s.logger.Info("Coordinator RPC server stopped")
	return nil
}

// Client calls a remote coordinator. It has the same methods as
// Coordinator.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) RequestSplit(ctx context.Context, worker string) (Assignment, error) {
	var a Assignment
	err := c.call(ctx, pathRequestSplit, workerRequest{Worker: worker}, &a)
	return a, err
}

func (c *Client) ReportSplitFinished(ctx context.Context, worker, splitID string, bracket split.Bracket) error {
	return c.call(ctx, pathSplitFinished, splitFinishedRequest{Worker: worker, SplitID: splitID, Bracket: bracket}, nil)
}

func (c *Client) ReportSplitFailed(ctx context.Context, worker, splitID string, retryable bool, message string) error {
	req := splitFailedRequest{Worker: worker, SplitID: splitID, Retryable: retryable, Message: message}
	return c.call(ctx, pathSplitFailed, req, nil)
}

func (c *Client) ReportStreamProgress(ctx context.Context, worker string, pos common.Position) error {
	return c.call(ctx, pathStreamProgress, streamProgressRequest{Worker: worker, Position: pos}, nil)
}

func (c *Client) Heartbeat(ctx context.Context, worker string) error {
	return c.call(ctx, pathHeartbeat, workerRequest{Worker: worker}, nil)
}

// call posts body to path. Transport failures are retryable; errors
// returned by the coordinator are not, and a failed job is reported as
// ErrJobFailed.
func (c *Client) call(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return common.NewRetryableError("coordinator %s unreachable: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return common.NewRetryableError("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if jsonErr := json.Unmarshal(data, &e); jsonErr != nil || e.Error == "" {
			return common.NewRetryableError("coordinator %s returned status %d", path, resp.StatusCode)
		}
		if e.Code == codeJobFailed {
			return fmt.Errorf("%w: %s", ErrJobFailed, strings.TrimPrefix(e.Error, ErrJobFailed.Error()+": "))
		}
		return errors.New(e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
