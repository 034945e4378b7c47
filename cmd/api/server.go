package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"couplevault/agreement"
	"couplevault/couple"
	"couplevault/dispute"
	"couplevault/ledger"
	"couplevault/logging"
	"couplevault/metrics"
)

type contextKey string

const ctxKeyUserID contextKey = "user_id"

type disputeService interface {
	Initiate(ctx context.Context, coupleID, initiatedBy string) (dispute.View, error)
	ProposeWinner(ctx context.Context, disputeID, winnerID, proposedBy string) (dispute.View, error)
	AcceptProposal(ctx context.Context, disputeID, acceptedBy string) (dispute.View, error)
	GetStatus(ctx context.Context, disputeID string) (dispute.View, error)
}

type esignService interface {
	HandleEsignCompletionWebhook(ctx context.Context, req agreement.EsignCompletionRequest) error
}

type tokenVerifier interface {
	VerifyToken(token string) (string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the collaborators behind the HTTP surface.
type Server struct {
	disputeService disputeService
	coupleService  *couple.Service
	esignService   esignService
	verifier       tokenVerifier
	limiter        *rateLimiter
	db             pinger
	logger         *logging.Logger
}

// Routes builds the chi router for the api.
func (s *Server) Routes() http.Handler {
	if s.logger == nil {
		s.logger = logging.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/webhooks/esign", s.handleEsignWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if s.limiter != nil {
			r.Use(s.limiter.Handler)
		}
		r.Post("/disputes", s.handleInitiate)
		r.Get("/disputes/{id}", s.handleDisputeStatus)
		r.Post("/disputes/{id}/proposal", s.handlePropose)
		r.Post("/disputes/{id}/acceptance", s.handleAccept)
		r.Get("/couples/{id}", s.handleCouple)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.verifier.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

type disputeResponse struct {
	ID               string                `json:"id"`
	CoupleID         string                `json:"coupleId"`
	InitiatedBy      string                `json:"initiatedBy"`
	Status           string                `json:"status"`
	Deadline         string                `json:"deadline"`
	TimeRemaining    dispute.TimeRemaining `json:"timeRemaining"`
	Snapshot         snapshotResponse      `json:"snapshot"`
	ProposedWinnerID string                `json:"proposedWinnerId,omitempty"`
	FinalWinnerID    string                `json:"finalWinnerId,omitempty"`
}

type snapshotResponse struct {
	PartnerA   holdingResponse `json:"partnerA"`
	PartnerB   holdingResponse `json:"partnerB"`
	TotalValue int64           `json:"totalValue"`
	CapturedAt string          `json:"capturedAt"`
}

type holdingResponse struct {
	UserID    string           `json:"userId"`
	Balances  map[string]int64 `json:"balances"`
	ItemCount int              `json:"itemCount"`
}

func toHoldingResponse(h ledger.PartnerHoldings) holdingResponse {
	return holdingResponse{UserID: h.UserID, Balances: h.Balances, ItemCount: h.ItemCount}
}

func toDisputeResponse(v dispute.View) disputeResponse {
	snap := v.Snapshot
	return disputeResponse{
		ID:            v.ID,
		CoupleID:      v.CoupleID,
		InitiatedBy:   v.InitiatedBy,
		Status:        string(v.Status),
		Deadline:      v.Deadline.UTC().Format(time.RFC3339),
		TimeRemaining: v.Remaining,
		Snapshot: snapshotResponse{
			PartnerA:   toHoldingResponse(snap.PartnerA),
			PartnerB:   toHoldingResponse(snap.PartnerB),
			TotalValue: snap.TotalValue,
			CapturedAt: snap.CapturedAt.UTC().Format(time.RFC3339),
		},
		ProposedWinnerID: v.ProposedWinnerID,
		FinalWinnerID:    v.FinalWinnerID,
	}
}

type coupleResponse struct {
	ID          string   `json:"id"`
	Partners    []string `json:"partners"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"createdAt"`
	DissolvedAt string   `json:"dissolvedAt,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("healthz: database ping failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CoupleID string `json:"coupleId"`
	}
	if err := decodeJSON(r, &payload); err != nil || strings.TrimSpace(payload.CoupleID) == "" {
		writeError(w, http.StatusBadRequest, "coupleId is required")
		return
	}

	view, err := s.disputeService.Initiate(r.Context(), payload.CoupleID, userIDFromContext(r.Context()))
	if err != nil {
		s.writeDisputeError(w, r, "initiate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(view))
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		WinnerID string `json:"winnerId"`
	}
	if err := decodeJSON(r, &payload); err != nil || strings.TrimSpace(payload.WinnerID) == "" {
		writeError(w, http.StatusBadRequest, "winnerId is required")
		return
	}

	view, err := s.disputeService.ProposeWinner(r.Context(), chi.URLParam(r, "id"), payload.WinnerID, userIDFromContext(r.Context()))
	if err != nil {
		s.writeDisputeError(w, r, "propose winner", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(view))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	view, err := s.disputeService.AcceptProposal(r.Context(), chi.URLParam(r, "id"), userIDFromContext(r.Context()))
	if err != nil {
		s.writeDisputeError(w, r, "accept proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(view))
}

func (s *Server) handleDisputeStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.disputeService.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDisputeError(w, r, "get status", err)
		return
	}
	// the snapshot's partner ids are fixed at initiation
	if _, ok := view.Snapshot.Holdings(userIDFromContext(r.Context())); !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(view))
}

func (s *Server) handleCouple(w http.ResponseWriter, r *http.Request) {
	profile, err := s.coupleService.GetByID(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, couple.ErrNotFound):
		writeError(w, http.StatusNotFound, "couple not found")
		return
	case err != nil:
		s.logger.Error("get couple failed", "couple_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !profile.HasPartner(userIDFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "couple not found")
		return
	}

	resp := coupleResponse{
		ID:        profile.ID,
		Partners:  profile.Partners(),
		Status:    string(profile.Status),
		CreatedAt: profile.CreatedAt.UTC().Format(time.RFC3339),
	}
	if profile.DissolvedAt != nil {
		resp.DissolvedAt = profile.DissolvedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEsignWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AgreementID string    `json:"agreementId"`
		CoupleID    string    `json:"coupleId"`
		DocumentRef string    `json:"documentRef"`
		SignedAt    time.Time `json:"signedAt"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	err := s.esignService.HandleEsignCompletionWebhook(r.Context(), agreement.EsignCompletionRequest{
		AgreementID:    payload.AgreementID,
		CoupleID:       payload.CoupleID,
		DocumentRef:    payload.DocumentRef,
		SignedAt:       payload.SignedAt,
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, agreement.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agreement.ErrCoupleNotFound):
		writeError(w, http.StatusNotFound, "couple not found")
	case err != nil:
		s.logger.Error("esign webhook failed", "agreement_id", payload.AgreementID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) writeDisputeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispute.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrInvalidArgument), errors.Is(err, dispute.ErrPartnerData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("dispute request failed",
			"op", op,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
