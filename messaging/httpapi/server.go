// Package httpapi is the REST facade the dashboard and kiosk talk to.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"moltybet/engine/actors"
	"moltybet/engine/identity"
	"moltybet/engine/library"
	"moltybet/messaging/clearnet"
	"moltybet/messaging/oracle"
	"moltybet/state/appsession"
	"moltybet/state/markets"
	"moltybet/state/settlement"
)

// Backend is what the facade serves. *settlement.Reconciler satisfies it.
type Backend interface {
	Markets() ([]markets.Market, error)
	Market(id library.MarketID) (markets.Market, error)
	OpenMarket(ctx context.Context, req settlement.OpenRequest) (markets.Market, error)
	ResolveMarket(ctx context.Context, id library.MarketID, outcome *markets.Outcome) (markets.Market, error)
	VerifySettlement(ctx context.Context, id library.MarketID) (settlement.Verification, error)
	Price(ctx context.Context, asset string) (oracle.Quote, error)
	Balances(ctx context.Context) (settlement.Balances, error)
}

type Server struct {
	backend Backend
	mux     *http.ServeMux
}

func New(backend Backend) *Server {
	s := &Server{backend: backend, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /api/markets", s.listMarkets)
	s.mux.HandleFunc("POST /api/markets", s.createMarket)
	s.mux.HandleFunc("GET /api/markets/{id}", s.getMarket)
	s.mux.HandleFunc("POST /api/markets/{id}/resolve", s.resolveMarket)
	s.mux.HandleFunc("GET /api/markets/{id}/settlement", s.verifySettlement)
	s.mux.HandleFunc("GET /api/price", s.price)
	s.mux.HandleFunc("GET /api/balances", s.balances)
	return s
}

// ServeHTTP adds the kiosk's CORS headers and answers preflight requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	library.LogCLI(r.Method+" "+r.URL.Path, 5)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	library.LogCLI("Prediction market API listening on "+addr, 4)
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		library.LogCLI(err, 2)
	}
}

// StatusOf maps the engine's errors onto HTTP statuses.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, appsession.ErrCloseUncertain), errors.Is(err, settlement.ErrSettlementPending):
		return http.StatusAccepted
	case errors.Is(err, markets.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, markets.ErrResolutionInProgress), errors.Is(err, markets.ErrNotResolvable):
		return http.StatusConflict
	case errors.Is(err, markets.ErrInvalidPrediction),
		errors.Is(err, markets.ErrNegativeComplement),
		errors.Is(err, appsession.ErrInvalidDefinition),
		errors.Is(err, appsession.ErrQuorum),
		errors.Is(err, appsession.ErrConservation),
		errors.Is(err, appsession.ErrInvalidAllocation),
		errors.Is(err, appsession.ErrAllowanceExceeded),
		errors.Is(err, oracle.ErrUnknownAsset),
		errors.Is(err, clearnet.ErrInvalidExpiry):
		return http.StatusBadRequest
	case errors.Is(err, appsession.ErrOpenRejected),
		errors.Is(err, appsession.ErrCloseRejected),
		errors.Is(err, appsession.ErrSubmitRejected),
		errors.Is(err, clearnet.ErrAuthFailed),
		errors.Is(err, clearnet.ErrDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, appsession.ErrOpenTimeout),
		errors.Is(err, clearnet.ErrHandshakeTimeout),
		errors.Is(err, clearnet.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, actors.ErrMissingRootSecret),
		errors.Is(err, actors.ErrMissingCoordinator),
		errors.Is(err, clearnet.ErrInvalidAuthParams),
		errors.Is(err, identity.ErrInvalidSecret):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, extra map[string]interface{}) {
	status := StatusOf(err)
	body := map[string]interface{}{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	library.LogCLI(fmt.Sprintf("%d: %s", status, err.Error()), 3)
	writeJSON(w, status, body)
}

// summary is the listing shape the dashboard renders.
type summary struct {
	ID           library.MarketID     `json:"id"`
	Question     string               `json:"question"`
	Asset        string               `json:"asset"`
	Direction    markets.Direction    `json:"direction"`
	TargetPrice  string               `json:"targetPrice"`
	Amount       string               `json:"amount"`
	Status       markets.Status       `json:"status"`
	Outcome      markets.Outcome      `json:"outcome,omitempty"`
	FinalPrice   string               `json:"finalPrice,omitempty"`
	ExpiresAt    time.Time            `json:"expiresAt"`
	AppSessionID library.AppSessionID `json:"appSessionId,omitempty"`
}

func summarise(m markets.Market) summary {
	s := summary{
		ID:           m.ID,
		Question:     m.Prediction.Question,
		Asset:        m.Prediction.Asset,
		Direction:    m.Prediction.Direction,
		TargetPrice:  m.Prediction.TargetPrice.String(),
		Amount:       m.Prediction.Amount.String(),
		Status:       m.Status,
		Outcome:      m.Outcome,
		ExpiresAt:    m.Prediction.ExpiresAt,
		AppSessionID: m.AppSessionID,
	}
	if m.FinalPrice.Valid {
		s.FinalPrice = m.FinalPrice.Decimal.String()
	}
	return s
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.Markets()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	out := make([]summary, 0, len(list))
	for _, m := range list {
		out = append(out, summarise(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": out})
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req settlement.OpenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("%w: %s", markets.ErrInvalidPrediction, err.Error()), nil)
			return
		}
	}
	m, err := s.backend.OpenMarket(r.Context(), req)
	if err != nil {
		var extra map[string]interface{}
		if len(m.ID) > 0 {
			extra = map[string]interface{}{"market": m}
		}
		writeError(w, err, extra)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"market": m})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.backend.Market(r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market": m})
}

// requestedOutcome reads ?outcome= or a JSON body {"outcome": ...}. Neither means resolve by price.
func requestedOutcome(r *http.Request) (*markets.Outcome, error) {
	raw := r.URL.Query().Get("outcome")
	if len(raw) == 0 && r.ContentLength != 0 {
		var body struct {
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", markets.ErrInvalidPrediction, err.Error())
		}
		raw = body.Outcome
	}
	if len(strings.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	o, err := markets.ParseOutcome(raw)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	outcome, err := requestedOutcome(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	id := r.PathValue("id")
	before, err := s.backend.Market(id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	m, err := s.backend.ResolveMarket(r.Context(), id, outcome)
	if err != nil {
		var extra map[string]interface{}
		if len(m.ID) > 0 {
			extra = map[string]interface{}{"market": m}
		}
		writeError(w, err, extra)
		return
	}
	body := map[string]interface{}{
		"market": m,
		"result": map[string]interface{}{"outcome": m.Outcome, "finalPrice": m.FinalPrice},
	}
	if before.Status == markets.StatusResolved {
		body["message"] = "Already resolved"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) verifySettlement(w http.ResponseWriter, r *http.Request) {
	v, err := s.backend.VerifySettlement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, map[string]interface{}{"settlement": v})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlement": v})
}

func (s *Server) price(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if len(asset) == 0 {
		writeError(w, fmt.Errorf("%w: asset is required", oracle.ErrUnknownAsset), nil)
		return
	}
	q, err := s.backend.Price(r.Context(), asset)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	b, err := s.backend.Balances(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
