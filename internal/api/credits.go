package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxnote/voxnote/internal/domain"
)

// ─── Credit Handlers ────────────────────────────────────────────────────────

// GET /api/credits/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":    s.credits.Balance(),
		"runningLow": s.credits.IsRunningLow(0),
		"corrupted":  s.credits.Corrupted(),
	})
}

// GET /api/credits/preview/{operation}
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	op := domain.Operation(chi.URLParam(r, "operation"))
	if _, ok := s.credits.LookupCost(op); !ok {
		s.writeDomainError(w, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, op))
		return
	}
	writeJSON(w, http.StatusOK, s.credits.CostPreview(op))
}

// GET /api/credits/packages
func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": s.credits.Packages(),
		"costs":    s.credits.Costs(),
	})
}

type purchaseRequest struct {
	Package       string `json:"package"`
	PaymentMethod string `json:"paymentMethod"`
}

// POST /api/credits/purchase
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "demo"
	}
	receipt, err := s.credits.PurchaseCredits(r.Context(), req.Package, req.PaymentMethod)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// GET /api/credits/history?limit=N
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	txs, err := s.credits.History(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
	})
}

// POST /api/credits/backup-codes
func (s *Server) handleGenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.credits.GenerateBackupCodes(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"codes": codes,
	})
}

type codeRequest struct {
	Code string `json:"code"`
}

// POST /api/credits/backup-codes/redeem
func (s *Server) handleRedeemBackupCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	ok, err := s.credits.UseBackupCode(r.Context(), req.Code)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

// POST /api/credits/recover
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	balance, err := s.credits.Recover(r.Context(), req.Code)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// GET /api/credits/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := s.credits.Export(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	name := "voxnote-credits-" + time.Now().UTC().Format("2006-01-02") + ".json"
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	writeJSON(w, http.StatusOK, exp)
}

type resetRequest struct {
	Balance int64 `json:"balance"`
}

// POST /api/credits/reset (admin)
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	balance, err := s.credits.ResetCredits(r.Context(), req.Balance)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// DELETE /api/credits (admin)
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.credits.ClearAllData(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
