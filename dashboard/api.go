// Package dashboard is the owner-scoped REST API over builds.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"buildhook/auth"
	"buildhook/shared/apperr"
	"buildhook/shared/model"
	"buildhook/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type Store interface {
	storage.BuildStore
	storage.ProjectStore
}

type Canceller interface {
	Cancel(ctx context.Context, buildID string) (*model.Build, error)
}

type API struct {
	store     Store
	canceller Canceller
	artifacts *storage.Artifacts
	jwt       *auth.JWT
	log       *zap.Logger
}

// New creates a new API. artifacts may be nil when archiving is disabled.
func New(store Store, canceller Canceller, artifacts *storage.Artifacts, jwt *auth.JWT, log *zap.Logger) *API {
	return &API{
		store:     store,
		canceller: canceller,
		artifacts: artifacts,
		jwt:       jwt,
		log:       log,
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Register mounts /health and the authenticated /api routes on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.Use(a.jwt.Middleware)

	// preflight needs a matching route for the middleware to run
	api.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	api.HandleFunc("/projects/{projectId}/builds", a.ListBuilds).Methods(http.MethodGet)
	api.HandleFunc("/builds/{buildId}", a.GetBuild).Methods(http.MethodGet)
	api.HandleFunc("/builds/{buildId}/cancel", a.CancelBuild).Methods(http.MethodPost)
	api.HandleFunc("/builds/{buildId}/artifact", a.GetArtifact).Methods(http.MethodGet)
}

func (a *API) ListBuilds(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]

	p, err := a.store.GetProject(r.Context(), projectID)
	if err != nil || p.OwnerID != auth.UserID(r.Context()) {
		a.fail(w, notFound(err, "project"))
		return
	}

	f := storage.BuildFilter{ProjectID: p.ID, Limit: defaultLimit}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = model.BuildStatus(s)
		if !f.Status.Valid() {
			http.Error(w, "Invalid status filter", http.StatusBadRequest)
			return
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = min(n, maxLimit)
	}

	builds, err := a.store.ListBuilds(r.Context(), f)
	if err != nil {
		a.fail(w, err)
		return
	}
	if builds == nil {
		builds = []*model.Build{}
	}
	writeJSON(w, http.StatusOK, builds)
}

func (a *API) GetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := a.ownedBuild(r)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) CancelBuild(w http.ResponseWriter, r *http.Request) {
	b, err := a.ownedBuild(r)
	if err != nil {
		a.fail(w, err)
		return
	}

	b, err = a.canceller.Cancel(r.Context(), b.ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.log.Info("🛑 Build cancelled via API", zap.String("build_id", b.ID), zap.String("user_id", auth.UserID(r.Context())))
	writeJSON(w, http.StatusOK, b)
}

func (a *API) GetArtifact(w http.ResponseWriter, r *http.Request) {
	b, err := a.ownedBuild(r)
	if err != nil {
		a.fail(w, err)
		return
	}
	if a.artifacts == nil || b.Artifact == "" {
		http.Error(w, "Artifact not found", http.StatusNotFound)
		return
	}

	f, err := a.artifacts.Open(b.ID)
	if err != nil {
		a.fail(w, notFound(err, "artifact"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+b.Artifact+`"`)
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		a.log.Warn("⚠️ Artifact download interrupted", zap.String("build_id", b.ID), zap.Error(err))
	}
}

// ownedBuild loads the build named in the path. Builds of other owners are
// reported as missing.
func (a *API) ownedBuild(r *http.Request) (*model.Build, error) {
	b, err := a.store.GetBuild(r.Context(), mux.Vars(r)["buildId"])
	if err != nil {
		return nil, notFound(err, "build")
	}
	if b.OwnerID != auth.UserID(r.Context()) {
		return nil, apperr.Errorf(apperr.NotFound, "load build", "build not found")
	}
	return b, nil
}

func notFound(err error, what string) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return apperr.Errorf(apperr.NotFound, "load "+what, "%s not found", what)
	}
	return err
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("❌ Dashboard request failed", zap.Error(err))
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
