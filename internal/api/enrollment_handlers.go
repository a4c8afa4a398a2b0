package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gojoacademy/gojo/internal/enrollment"
)

// EnrollmentService is the part of enrollment.Recorder the handlers use.
type EnrollmentService interface {
	Enroll(ctx context.Context, req enrollment.Request) (*enrollment.Enrollment, bool, error)
	ListForUser(ctx context.Context) ([]*enrollment.Enrollment, error)
}

// EnrollmentHandlers serves the signed-in user's enrollments.
type EnrollmentHandlers struct {
	recorder EnrollmentService
	logger   *slog.Logger
}

// NewEnrollmentHandlers creates a new EnrollmentHandlers instance.
func NewEnrollmentHandlers(recorder EnrollmentService, logger *slog.Logger) *EnrollmentHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnrollmentHandlers{recorder: recorder, logger: logger}
}

// EnrollmentListResponse wraps a user's enrollments.
type EnrollmentListResponse struct {
	Enrollments []*enrollment.Enrollment `json:"enrollments"`
}

// Enrollments dispatches /api/enrollments by method.
func (h *EnrollmentHandlers) Enrollments(w http.ResponseWriter, r *http.Request) {
	allowMethods(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.List(w, r)
			return
		}
		h.Create(w, r)
	}, http.MethodGet, http.MethodPost)(w, r)
}

// Create records an enrollment for the session user once the referenced
// payment has succeeded. Returns 201 for a new enrollment and 200 with the existing one when the
// user is already enrolled in the course.
// POST /api/enrollments
func (h *EnrollmentHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req enrollment.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	e, created, err := h.recorder.Enroll(ctx, req)
	if err != nil {
		WriteDomainError(w, ctx, h.logger, "Failed to record enrollment", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, ctx, status, e)
}

// List returns the session user's enrollments, newest first.
// GET /api/enrollments
func (h *EnrollmentHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	list, err := h.recorder.ListForUser(ctx)
	if err != nil {
		WriteDomainError(w, ctx, h.logger, "Failed to list enrollments", err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, EnrollmentListResponse{Enrollments: list})
}
