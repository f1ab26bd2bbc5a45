package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
)

type Usecase interface {
	Defaults() domain.Settings
	Upload(
		ctx context.Context,
		file io.Reader,
		filename string,
		size int64,
		priority int,
		settings domain.Settings,
	) (domain.SubmitResponse, error)
	Status(ctx context.Context, taskID string) (domain.StatusResponse, error)
	Result(ctx context.Context, taskID string) (domain.ProcessingResult, error)
	Cancel(ctx context.Context, taskID string) (domain.StatusResponse, error)
}

type handler struct {
	maxUploadBytes int64
	usecase        Usecase
	// Upload errors matching unsupported are answered with 415.
	unsupported error
}

func NewHandler(maxUploadBytesMb int64, uc Usecase, unsupported error) *handler {
	return &handler{
		maxUploadBytes: maxUploadBytesMb << 20,
		usecase:        uc,
		unsupported:    unsupported,
	}
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "submit")

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		logger.Error("ParseMultipartForm", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unable to parse multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		logger.Warn("missing file field")
		writeError(w, http.StatusBadRequest, "field `file` is required")
		return
	}
	defer file.Close()

	logger = logger.With(slog.String("file_name", header.Filename))

	priority, settings, err := parseOptions(r, h.usecase.Defaults())
	if err != nil {
		logger.Warn("invalid options", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.usecase.Upload(r.Context(), file, header.Filename, header.Size, priority, settings)
	if err != nil {
		if h.unsupported != nil && errors.Is(err, h.unsupported) {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		logger.Error("Upload usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot create scan task")
		return
	}

	logger.Info("scan submitted",
		slog.String("task_id", resp.TaskID),
		slog.Bool("duplicate", resp.Duplicate),
	)

	status := http.StatusAccepted
	if resp.Result != nil {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "status")
	taskID := r.PathValue("id")

	resp, err := h.usecase.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error("Status", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) result(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "result")
	taskID := r.PathValue("id")

	res, err := h.usecase.Result(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrResultNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrResultNotReady):
			writeError(w, http.StatusTooEarly, "result is not ready yet")
		default:
			logger.Error("Result", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot load result")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "cancel")
	taskID := r.PathValue("id")

	resp, err := h.usecase.Cancel(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, domain.ErrTaskTerminal):
			writeError(w, http.StatusConflict, err.Error())
		default:
			logger.Error("Cancel", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseOptions reads the optional form fields on top of the defaults.
func parseOptions(r *http.Request, s domain.Settings) (int, domain.Settings, error) {
	var priority int
	var err error

	if v := r.FormValue("priority"); v != "" {
		if priority, err = strconv.Atoi(v); err != nil {
			return 0, s, errors.New("priority must be an integer")
		}
	}
	if v := r.FormValue("min_confidence"); v != "" {
		if s.MinConfidence, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, s, errors.New("min_confidence must be a number")
		}
	}
	if v := r.FormValue("detect_regions"); v != "" {
		if s.DetectRegions, err = strconv.ParseBool(v); err != nil {
			return 0, s, errors.New("detect_regions must be a boolean")
		}
	}
	if v := r.FormValue("timeout"); v != "" {
		if s.Timeout, err = parseTimeout(v); err != nil {
			return 0, s, errors.New("timeout must be seconds or a duration")
		}
	}
	if v := r.FormValue("max_retries"); v != "" {
		if s.MaxRetries, err = strconv.Atoi(v); err != nil {
			return 0, s, errors.New("max_retries must be an integer")
		}
	}
	if v := r.FormValue("batch_size"); v != "" {
		if s.BatchSize, err = strconv.Atoi(v); err != nil {
			return 0, s, errors.New("batch_size must be an integer")
		}
	}
	if v := r.FormValue("language"); v != "" {
		s.Language = v
	}

	return priority, s, nil
}

// parseTimeout takes whole seconds ("300") or a duration ("5m").
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
