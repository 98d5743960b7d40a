package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/compose"
	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/monitoring"
	"github.com/blankon/irgsh-composer/internal/storage"
	"github.com/blankon/irgsh-composer/pkg/httputil"
)

type composeReader interface {
	ListComposes(ctx context.Context, limit int) ([]entity.ComposeJob, error)
	GetCompose(ctx context.Context, id string) (*entity.ComposeJob, error)
}

type apiHandler struct {
	store    composeReader
	activity monitoring.Activity
	version  string
	enqueue  func(req compose.PushRequest) (string, error)
}

type PushResponse struct {
	TaskUUID string `json:"taskUUID"`
}

type StatusResponse struct {
	Version        string `json:"version"`
	ActiveComposes int    `json:"active_composes"`
	MaxParallel    int    `json:"max_parallel"`
}

func (h *apiHandler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/push", h.pushHandler)
	mux.HandleFunc("/api/v1/composes", h.listHandler)
	mux.HandleFunc("/api/v1/composes/", h.composeHandler)
	mux.HandleFunc("/api/v1/status", h.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", h.indexHandler)
	return mux
}

func (h *apiHandler) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "irgsh-composer %s", h.version)
}

func (h *apiHandler) pushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.ResponseError("method not allowed", http.StatusMethodNotAllowed, w)
		return
	}

	var req compose.PushRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.ResponseError("invalid push request: "+err.Error(), http.StatusBadRequest, w)
		return
	}
	if len(req.Requests) == 0 && !req.Resume {
		httputil.ResponseError("no release requested", http.StatusBadRequest, w)
		return
	}
	for _, rr := range req.Requests {
		if rr.Release == "" || !rr.Request.Valid() {
			httputil.ResponseError(fmt.Sprintf("invalid request %q for release %q", rr.Request, rr.Release), http.StatusBadRequest, w)
			return
		}
	}

	taskUUID, err := h.enqueue(req)
	if err != nil {
		logrus.WithError(err).Error("failed to queue push")
		httputil.ResponseError("failed to queue push", http.StatusInternalServerError, w)
		return
	}
	httputil.ResponseJSON(PushResponse{TaskUUID: taskUUID}, http.StatusAccepted, w)
}

func (h *apiHandler) listHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.ResponseError("invalid limit", http.StatusBadRequest, w)
			return
		}
		limit = n
	}

	jobs, err := h.store.ListComposes(r.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("failed to list composes")
		httputil.ResponseError("failed to list composes", http.StatusInternalServerError, w)
		return
	}
	if jobs == nil {
		jobs = []entity.ComposeJob{}
	}
	httputil.ResponseJSON(jobs, http.StatusOK, w)
}

func (h *apiHandler) composeHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/composes/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	job, err := h.store.GetCompose(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.ResponseError("compose not found", http.StatusNotFound, w)
		return
	}
	if err != nil {
		logrus.WithError(err).Error("failed to get compose")
		httputil.ResponseError("failed to get compose", http.StatusInternalServerError, w)
		return
	}
	httputil.ResponseJSON(job, http.StatusOK, w)
}

func (h *apiHandler) statusHandler(w http.ResponseWriter, r *http.Request) {
	httputil.ResponseJSON(StatusResponse{
		Version:        h.version,
		ActiveComposes: h.activity.Active(),
		MaxParallel:    h.activity.MaxParallel(),
	}, http.StatusOK, w)
}
