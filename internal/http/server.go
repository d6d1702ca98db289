package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/h-amg/job-tracker/internal/log"
	"github.com/h-amg/job-tracker/internal/service"
	"github.com/h-amg/job-tracker/pkg/models"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

// NewRouter exposes the application API.
func NewRouter(svc *service.ApplicationService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)

	mux.HandleFunc("GET /applications", ListApplicationsHandler(svc))
	mux.HandleFunc("POST /applications", CreateApplicationHandler(svc))
	mux.HandleFunc("GET /applications/{id}", GetApplicationHandler(svc))
	mux.HandleFunc("PUT /applications/{id}", UpdateApplicationHandler(svc))
	mux.HandleFunc("DELETE /applications/{id}", DeleteApplicationHandler(svc))
	mux.HandleFunc("POST /applications/{id}/status", UpdateStatusHandler(svc))
	mux.HandleFunc("POST /applications/{id}/extend-deadline", ExtendDeadlineHandler(svc))
	mux.HandleFunc("POST /applications/{id}/archive", ArchiveHandler(svc))
	mux.HandleFunc("GET /applications/{id}/workflow", WorkflowStateHandler(svc))
	mux.HandleFunc("GET /applications/{id}/timeline", TimelineHandler(svc))

	mux.HandleFunc("GET /notifications", ListNotificationsHandler(svc))
	mux.HandleFunc("POST /notifications/{id}/read", MarkNotificationReadHandler(svc))

	mux.HandleFunc("GET /profile", GetProfileHandler(svc))
	mux.HandleFunc("PUT /profile", SaveProfileHandler(svc))
	return mux
}

// StartServer serves the API until ctx is cancelled, then drains in-flight
// requests.
func StartServer(ctx context.Context, port string, svc *service.ApplicationService) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting job tracker server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Info("Shutting down job tracker server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ListApplicationsHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps, err := svc.ListApplications(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if apps == nil {
			apps = []models.Application{}
		}
		writeJSON(w, http.StatusOK, apps)
	}
}

func CreateApplicationHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.CreateApplicationInput
		if !decode(w, r, &in) {
			return
		}
		app, err := svc.CreateApplication(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, app)
	}
}

func GetApplicationHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, err := svc.GetApplication(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	}
}

func UpdateApplicationHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.UpdateApplicationInput
		if !decode(w, r, &in) {
			return
		}
		app, err := svc.UpdateApplication(r.Context(), r.PathValue("id"), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	}
}

func DeleteApplicationHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteApplication(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func UpdateStatusHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Status string  `json:"status"`
			Notes  *string `json:"notes"`
		}
		if !decode(w, r, &in) {
			return
		}
		app, err := svc.UpdateStatus(r.Context(), r.PathValue("id"), in.Status, in.Notes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	}
}

func ExtendDeadlineHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Days int `json:"days"`
		}
		if !decode(w, r, &in) {
			return
		}
		app, err := svc.ExtendDeadline(r.Context(), r.PathValue("id"), in.Days)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	}
}

func ArchiveHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Reason *string `json:"reason"`
		}
		if r.ContentLength != 0 && !decode(w, r, &in) {
			return
		}
		app, err := svc.ArchiveApplication(r.Context(), r.PathValue("id"), in.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	}
}

func WorkflowStateHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := svc.GetWorkflowState(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func TimelineHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := svc.ListTimeline(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if events == nil {
			events = []models.TimelineEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func ListNotificationsHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notifications, err := svc.ListNotifications(r.Context(), r.URL.Query().Get("applicationId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if unread, _ := strconv.ParseBool(r.URL.Query().Get("unread")); unread {
			filtered := notifications[:0]
			for _, n := range notifications {
				if !n.Read {
					filtered = append(filtered, n)
				}
			}
			notifications = filtered
		}
		if notifications == nil {
			notifications = []models.Notification{}
		}
		writeJSON(w, http.StatusOK, notifications)
	}
}

func MarkNotificationReadHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.MarkNotificationRead(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetProfileHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile, err := svc.GetUserProfile(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func SaveProfileHandler(svc *service.ApplicationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var profile models.UserProfile
		if !decode(w, r, &profile) {
			return
		}
		saved, err := svc.SaveUserProfile(r.Context(), profile)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		log.GetLogger().Warnf("Invalid request body for %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, service.ErrNoWorkflow):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
