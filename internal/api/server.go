// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/config"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/metrics"
	"github.com/JakeFAU/org-harvester/internal/normalize"
)

// Harvester runs organizations.
type Harvester interface {
	Run(ctx context.Context, org harvest.Organization) []harvest.Record
	RunAll(ctx context.Context, orgs []harvest.Organization) []harvest.Harvest
}

// Deliverer persists bulk results.
type Deliverer interface {
	Deliver(ctx context.Context, harvests []harvest.Harvest) (harvest.Receipt, error)
}

// ReceiptReader reads delivery receipts.
type ReceiptReader interface {
	GetReceipt(ctx context.Context, runID string) (harvest.Receipt, error)
	ListReceipts(ctx context.Context) []harvest.Receipt
}

// Server wires HTTP handlers to the orchestrator and sink.
type Server struct {
	router    chi.Router
	harvester Harvester
	sink      Deliverer
	receipts  ReceiptReader
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. sink and receipts may be nil.
func NewServer(harvester Harvester, sink Deliverer, receipts ReceiptReader, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		harvester: harvester,
		sink:      sink,
		receipts:  receipts,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/organizations", s.listOrganizations)
		r.Get("/organizations/{slug}/records", s.organizationRecords)
		r.Post("/harvests", s.runHarvest)
		r.Get("/harvests", s.listReceipts)
		r.Get("/harvests/{run_id}", s.getReceipt)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if len(s.cfg.Organizations) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no organizations configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "organizations": len(s.cfg.Organizations)})
}

type organizationView struct {
	Slug     string                `json:"slug"`
	Name     string                `json:"name"`
	Channels []harvest.ChannelKind `json:"channels"`
}

func (s *Server) listOrganizations(w http.ResponseWriter, _ *http.Request) {
	out := make([]organizationView, 0, len(s.cfg.Organizations))
	for _, org := range s.cfg.Organizations {
		name := normalize.Organization(org.Name)
		view := organizationView{Slug: normalize.Slug(name), Name: name, Channels: []harvest.ChannelKind{}}
		for _, cc := range org.Channels() {
			if len(cc.Locators) > 0 {
				view.Channels = append(view.Channels, cc.Kind)
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) organizationRecords(w http.ResponseWriter, r *http.Request) {
	org, err := s.cfg.Organization(chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.harvester.Run(r.Context(), org))
}

type harvestRequest struct {
	Organizations []string `json:"organizations"`
}

type harvestResponse struct {
	Organizations int              `json:"organizations"`
	Records       int              `json:"records"`
	Receipt       *harvest.Receipt `json:"receipt,omitempty"`
}

func (s *Server) runHarvest(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	orgs := s.cfg.Organizations
	if len(req.Organizations) > 0 {
		orgs = make([]harvest.Organization, 0, len(req.Organizations))
		for _, slug := range req.Organizations {
			org, err := s.cfg.Organization(slug)
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			orgs = append(orgs, org)
		}
	}

	harvests := s.harvester.RunAll(r.Context(), orgs)
	resp := harvestResponse{Organizations: len(harvests)}
	for _, h := range harvests {
		resp.Records += len(h.Records)
	}
	if s.sink != nil {
		receipt, err := s.sink.Deliver(r.Context(), harvests)
		if err != nil {
			s.logger.Error("delivery failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		resp.Receipt = &receipt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeJSON(w, http.StatusOK, []harvest.Receipt{})
		return
	}
	writeJSON(w, http.StatusOK, s.receipts.ListReceipts(r.Context()))
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	receipt, err := s.receipts.GetReceipt(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
