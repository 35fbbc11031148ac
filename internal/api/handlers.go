package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/itstheanurag/sandboxd/internal/executor"
	"github.com/rs/zerolog"
)

// Runner is the part of the executor the handlers drive.
type Runner interface {
	Execute(ctx context.Context, req executor.ExecuteRequest) (*executor.ExecuteResult, error)
	Render(ctx context.Context, req executor.RenderRequest) (*executor.RenderResult, error)
}

type Handler struct {
	runner       Runner
	maxBodyBytes int64
	logger       *zerolog.Logger
}

func NewHandler(runner Runner, maxBodyBytes int64, logger *zerolog.Logger) *Handler {
	return &Handler{
		runner:       runner,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	req := executor.NewExecuteRequest()
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.runner.Execute(r.Context(), req)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	req := executor.NewRenderRequest()
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.runner.Render(r.Context(), req)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads the body over the defaults already set in v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return false
		}
		h.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	return true
}

func statusFor(err error) int {
	if errors.Is(err, executor.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write response")
	}
}
