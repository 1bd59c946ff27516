package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"AgentPay/internal/auth"
	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/market"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/session"
	"AgentPay/internal/spending"
	"AgentPay/internal/x402"
)

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	services, err := s.market.DiscoverServices(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.market.GetService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var descriptor registry.ServiceDescriptor
	if err := decodeJSON(r, &descriptor); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.market.RegisterService(r.Context(), descriptor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleDeregisterService(w http.ResponseWriter, r *http.Request) {
	if err := s.market.DeregisterService(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthRequest struct {
	Status registry.HealthStatus `json:"status"`
}

func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.market.SetServiceHealth(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// handlePrepare 以 402 返回首个候选的付款指引。
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req market.PrepareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	instructions, err := s.market.PrepareFulfillment(r.Context(), auth.IdentityFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusPaymentRequired, instructions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.market.GetSession(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type completionResponse struct {
	session.Outcome
	Error *errorBody `json:"error,omitempty"`
}

// handleComplete 接受 X-PAYMENT 头或 JSON 请求体中的付款凭证。
// 切换到下一候选时返回 402 与新的付款指引。
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var (
		proof payment.Proof
		err   error
	)
	if header := r.Header.Get(x402.PaymentHeader); header != "" {
		proof, err = x402.DecodeProof(header)
	} else {
		err = decodeJSON(r, &proof)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcome, err := s.market.CompleteFulfillment(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"), proof)
	if err != nil && outcome.State == session.StateCompleted {
		// 结果已交付，结算错误随结果一并返回。
		_, body := errorResponse(r, err)
		writeJSON(w, http.StatusOK, completionResponse{Outcome: outcome, Error: &body})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if outcome.State == session.StateAwaitingPayment {
		writeJSON(w, http.StatusPaymentRequired, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, xerrors.New(xerrors.CodeValidation, "limit 必须是非负整数"))
			return
		}
		limit = parsed
	}
	records, err := s.market.ListTransactions(r.Context(), auth.IdentityFromContext(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	record, err := s.market.GetTransaction(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type ratingRequest struct {
	Score  int    `json:"score"`
	Review string `json:"review"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.market.Rate(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"), req.Score, req.Review)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type refundRequest struct {
	Reference string `json:"refund_reference"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.market.Refund(r.Context(), chi.URLParam(r, "id"), req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSpendingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.market.SpendingStatus(r.Context(), auth.IdentityFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type limitsRequest struct {
	Identity string          `json:"identity"`
	Limits   spending.Limits `json:"limits"`
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	status, err := s.market.SetSpendingLimits(r.Context(), req.Identity, req.Limits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// parseFilter 读取查询参数。capability 可重复，也可用逗号分隔。
func parseFilter(r *http.Request) (registry.Filter, error) {
	query := r.URL.Query()
	var filter registry.Filter
	for _, raw := range query["capability"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Capabilities = append(filter.Capabilities, tag)
			}
		}
	}
	if raw := query.Get("max_price"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return registry.Filter{}, xerrors.Wrap(xerrors.CodeValidation, err, "max_price 不是合法的十进制数")
		}
		filter.MaxPrice = &price
	}
	if raw := query.Get("min_rating"); raw != "" {
		rating, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return registry.Filter{}, xerrors.Wrap(xerrors.CodeValidation, err, "min_rating 不是合法的数字")
		}
		filter.MinRating = rating
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return registry.Filter{}, xerrors.Wrap(xerrors.CodeValidation, err, "limit 不是合法的整数")
		}
		filter.Limit = limit
	}
	filter.Network = query.Get("network")
	filter.Currency = query.Get("currency")
	filter.SortBy = registry.SortKey(query.Get("sort"))
	return filter, nil
}
