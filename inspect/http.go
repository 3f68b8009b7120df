// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package inspect

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes an Inspector over a read-only JSON API, plus a Prometheus
// /metrics endpoint reporting the same queue-size gauges scraped on demand.
//
// Grounded on Sant0-9-RivetQ's internal/rest/rest.go (chi.Router setup,
// respondJSON/respondError helpers, corsMiddleware); the write endpoints
// (enqueue/lease/ack/nack/rate_limit) are dropped since inspection is
// read-only by specification, leaving only the queue/task listing routes.
type Server struct {
	inspector *Inspector
	queues    []string
	router    *chi.Mux

	waitingGauge *prometheus.GaugeVec
	delayedGauge *prometheus.GaugeVec
	activeGauge  *prometheus.GaugeVec
}

// NewServer returns a Server inspecting queues via inspector.
func NewServer(inspector *Inspector, queues []string) *Server {
	s := &Server{
		inspector: inspector,
		queues:    queues,
		router:    chi.NewRouter(),
		waitingGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kodiak_queue_waiting_jobs",
			Help: "Number of jobs waiting for a worker, per queue.",
		}, []string{"queue"}),
		delayedGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kodiak_queue_delayed_jobs",
			Help: "Number of jobs scheduled for the future, per queue.",
		}, []string{"queue"}),
		activeGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kodiak_queue_active_jobs",
			Help: "Number of jobs currently leased to a worker, per queue.",
		}, []string{"queue"}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/v1/queues", func(r chi.Router) {
		r.Get("/", s.listQueues)
		r.Route("/{queue}", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Get("/jobs", s.listJobs)
		})
	})
	s.router.Get("/v1/jobs/{id}", s.getJob)
	s.router.Get("/metrics", s.metrics)
	s.router.Get("/healthz", s.health)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	infos, err := s.inspector.GetQueues(r.Context(), s.queues)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, infos)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	info, err := s.inspector.GetQueues(r.Context(), []string{qname})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(info) == 0 {
		respondError(w, http.StatusNotFound, "queue not found")
		return
	}
	respondJSON(w, http.StatusOK, info[0])
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "waiting"
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.inspector.ListJobs(r.Context(), qname, state, limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.inspector.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// metrics refreshes the queue-size gauges from a live inspector read, then
// delegates to the Prometheus handler. Pull-based rather than pushed on a
// timer, so a scrape always reflects the current Redis state.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	infos, err := s.inspector.GetQueues(r.Context(), s.queues)
	if err == nil {
		for _, info := range infos {
			s.waitingGauge.WithLabelValues(info.Name).Set(float64(info.Waiting))
			s.delayedGauge.WithLabelValues(info.Name).Set(float64(info.Delayed))
			s.activeGauge.WithLabelValues(info.Name).Set(float64(info.Active))
		}
	}
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
