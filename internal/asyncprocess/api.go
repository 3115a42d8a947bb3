package asyncprocess

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// StartRequest is the body of POST /processes. The body is optional.
type StartRequest struct {
	ProcessID string `json:"process_id" validate:"omitempty,max=128,printascii"`
}

// API starts processes.
type API struct {
	publisher eventbus.Publisher
	newID     func() string
	logger    *zap.Logger
}

// NewAPI creates the process API.
func NewAPI(publisher eventbus.Publisher, logger *zap.Logger) *API {
	return &API{publisher: publisher, newID: uuid.NewString, logger: logger}
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.health)
	r.Post("/processes", a.start)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	httpapi.Success(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpapi.WriteError(w, apperrors.Validation(apperrors.CodeInvalidInput, "invalid request body").WithCause(err).Build(), a.logger)
		return
	}
	if err := validation.Struct(req, apperrors.CodeInvalidInput); err != nil {
		httpapi.WriteError(w, err, a.logger)
		return
	}

	state, err := a.Start(r.Context(), req.ProcessID)
	if err != nil {
		httpapi.WriteError(w, err, a.logger)
		return
	}
	httpapi.Success(w, http.StatusAccepted, state)
}

// Start publishes the start event for id, generating one when empty.
func (a *API) Start(ctx context.Context, id string) (ProcessState, error) {
	if id == "" {
		id = a.newID()
	}
	if err := a.publisher.Publish(ctx, newEvent(StatusStart, id)); err != nil {
		return ProcessState{}, apperrors.Wrap(err, "failed to start process")
	}
	a.logger.Info("Process started", zap.String("process_id", id))
	return ProcessState{ID: id, Status: StatePending}, nil
}
