// Package review exposes a read-only HTTP API for operators: offer states,
// pending confirmations, and the queue of outcomes that need human eyes.
package review

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"steamhelper/internal/confirm"
	"steamhelper/internal/trade"
)

// Offers is the offer-table surface the API reads.
type Offers interface {
	Offers() []trade.View
	Offer(requestID string) (trade.View, error)
}

// Confirmations is the poller surface the API reads.
type Confirmations interface {
	Snapshot() []confirm.Confirmation
}

type Server struct {
	offers  Offers
	confs   Confirmations
	started time.Time
}

func NewServer(offers Offers, confs Confirmations) *Server {
	return &Server{offers: offers, confs: confs, started: time.Now()}
}

// Router builds the route table. All endpoints are GET and return JSON.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/offers", s.handleOffers).Methods("GET")
	r.HandleFunc("/offers/{id}", s.handleOffer).Methods("GET")
	r.HandleFunc("/confirmations", s.handleConfirmations).Methods("GET")
	r.HandleFunc("/review", s.handleReview).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_ms": time.Since(s.started).Milliseconds(),
	})
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	views := s.offers.Offers()
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	v, err := s.offers.Offer(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "offer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type confirmationView struct {
	ID        uint64 `json:"id"`
	OfferID   uint64 `json:"offer_id,omitempty"`
	Kind      string `json:"kind"`
	Title     string `json:"title,omitempty"`
	Receiving string `json:"receiving,omitempty"`
	Since     string `json:"since,omitempty"`
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	pending := s.confs.Snapshot()
	views := make([]confirmationView, 0, len(pending))
	for _, c := range pending {
		views = append(views, confirmationView{
			ID:        c.ID,
			OfferID:   c.OfferID,
			Kind:      c.Kind.String(),
			Title:     c.Title,
			Receiving: c.Receiving,
			Since:     c.Since,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	writeJSON(w, http.StatusOK, views)
}

// handleReview lists offers whose outcome needs an operator: Invalid, Failed,
// or anything else flagged for review.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var flagged []trade.View
	for _, v := range s.offers.Offers() {
		if v.Review {
			flagged = append(flagged, v)
		}
	}
	sort.Slice(flagged, func(i, j int) bool { return flagged[i].CreatedAt.Before(flagged[j].CreatedAt) })
	if flagged == nil {
		flagged = []trade.View{}
	}
	writeJSON(w, http.StatusOK, flagged)
}
