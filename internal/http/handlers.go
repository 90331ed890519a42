package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type Server struct {
	Service *core.Service
	Ready   Pinger // nil means always ready
	Log     *slog.Logger
}

func NewServer(svc *core.Service, ready Pinger, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Service: svc, Ready: ready, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.Log), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaign)
		r.Get("/", s.listCampaigns)
		r.Post("/preview", s.previewAudience)
		r.Post("/delivery/receipt", s.deliveryReceipt)
		r.Get("/{id}", s.getCampaign)
		r.Post("/{id}/start", s.startCampaign)
		r.Get("/{id}/stats", s.campaignStats)
		r.Get("/{id}/messages", s.campaignMessages)
	})
	r.Route("/customers", func(r chi.Router) {
		r.Post("/", s.createCustomer)
		r.Get("/", s.listCustomers)
		r.Get("/{id}", s.getCustomer)
		r.Put("/{id}", s.updateCustomer)
		r.Delete("/{id}", s.deleteCustomer)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.Log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) startCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":               "Campaign started successfully",
		"audienceSize":          res.AudienceSize,
		"estimatedDeliveryTime": res.EstimatedDeliveryTime,
	})
}

func (s *Server) campaignStats(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Service.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// deliveryReceipt is the vendor's delivery webhook. It is unauthenticated.
func (s *Server) deliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var in provider.Receipt
	if !decode(w, r, &in) {
		return
	}
	if err := s.Service.IngestReceipt(r.Context(), in); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Delivery receipt processed"})
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in core.NewCampaign
	if !decode(w, r, &in) {
		return
	}
	c, err := s.Service.CreateCampaign(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	cs, err := s.Service.ListCampaigns(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cs == nil {
		cs = []core.Campaign{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Service.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) campaignMessages(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Service.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ms == nil {
		ms = []core.Message{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) previewAudience(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Rules []audience.Rule `json:"rules"`
	}
	if !decode(w, r, &in) {
		return
	}
	p, err := s.Service.PreviewAudience(r.Context(), in.Rules)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// lastPurchase is accepted as an older name for lastVisit.
type customerInput struct {
	core.Customer
	LastPurchase *time.Time `json:"lastPurchase"`
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var in customerInput
	if !decode(w, r, &in) {
		return
	}
	if in.LastVisit == nil {
		in.LastVisit = in.LastPurchase
	}
	c, err := s.Service.CreateCustomer(r.Context(), in.Customer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCustomers(w http.ResponseWriter, r *http.Request) {
	cs, err := s.Service.ListCustomers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cs == nil {
		cs = []core.Customer{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := s.Service.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		core.CustomerUpdate
		LastPurchase *time.Time `json:"lastPurchase"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.LastVisit == nil {
		in.LastVisit = in.LastPurchase
	}
	c, err := s.Service.UpdateCustomer(r.Context(), chi.URLParam(r, "id"), in.CustomerUpdate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteCustomer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Customer deleted successfully"})
}
