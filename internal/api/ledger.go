package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── Request Bodies ─────────────────────────────────────────────────────────

type purchaseRequest struct {
	Amount uint64      `json:"amount"`
	Paid   domain.Gwei `json:"paid"`
}

type consumeRequest struct {
	EncryptedAmount domain.Ciphertext `json:"encrypted_amount"`
	Nonce           string            `json:"nonce"`
}

type encryptRequest struct {
	Owner domain.Address `json:"owner"`
	Value uint64         `json:"value"`
}

type decryptRequest struct {
	Ciphertext domain.Ciphertext `json:"ciphertext"`
	ViewingKey domain.ViewingKey `json:"viewing_key"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", "bad_body")
		return false
	}
	return true
}

func ownerParam(r *http.Request) domain.Address {
	return domain.NormalizeAddress(chi.URLParam(r, "owner"))
}

// ─── Global State & Treasury ────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.State(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.ContractBalance(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": bal,
		"display": bal.String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller := domain.NormalizeAddress(r.Header.Get("X-Caller"))
	res, err := s.ledger.Withdraw(r.Context(), caller)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Check-In ───────────────────────────────────────────────────────────────

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.CheckIn(r.Context(), ownerParam(r))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckInStatus(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r)
	can, err := s.ledger.CanCheckInToday(r.Context(), owner)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	left, err := s.ledger.TimeUntilNextCheckIn(r.Context(), owner)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"can_check_in":       can,
		"seconds_until_next": left,
	})
}

// ─── Purchase & Consumption ─────────────────────────────────────────────────

func (s *Server) handleBuyCredits(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.ledger.BuyCredits(r.Context(), ownerParam(r), req.Amount, req.Paid)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.ledger.ConsumeCredits(r.Context(), ownerParam(r), req.EncryptedAmount, req.Nonce)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Balance & Events ───────────────────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	c, err := s.ledger.EncryptedBalance(r.Context(), ownerParam(r))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "invalid_request_error", "bad_limit")
			return
		}
		limit = n
	}
	evs, err := s.ledger.Events(r.Context(), ownerParam(r), limit)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// ─── Client FHE Helpers ─────────────────────────────────────────────────────

// handleEncrypt produces an input ciphertext bound to owner, the way a client
// SDK would before calling consume.
func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner := domain.NormalizeAddress(string(req.Owner))
	if !owner.Valid() {
		s.writeLedgerError(w, r, fmt.Errorf("%w: %q", domain.ErrInvalidAccount, req.Owner))
		return
	}
	c, err := s.backend.Encrypt(r.Context(), req.Value)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if err := s.backend.Allow(r.Context(), c, owner); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ViewingKey.Owner = domain.NormalizeAddress(string(req.ViewingKey.Owner))
	p, err := s.backend.Decrypt(r.Context(), req.Ciphertext, req.ViewingKey)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
