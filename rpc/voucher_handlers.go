package rpc

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"rewardhub/native/voucher"
	"rewardhub/observability/metrics"
)

type voucherClaimParams struct {
	Account   string `json:"account"`
	Category  string `json:"category"`
	TaskID    string `json:"taskId"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type voucherClaimResult struct {
	AmountGranted   string `json:"amountGranted"`
	NewTotalEarned  string `json:"newTotalEarned"`
	ConsecutiveDays uint32 `json:"consecutiveDays"`
	SettlementRef   string `json:"settlementRef"`
}

func decodeNonce(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32-byte nonce, got %d bytes", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (s *Server) handleVoucherClaim(w http.ResponseWriter, req *RPCRequest) {
	var params voucherClaimParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	account, err := decodeAccount(params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	nonce, err := decodeNonce(params.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid nonce", err.Error())
		return
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Signature), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature encoding", err.Error())
		return
	}
	result, err := s.vouchers.Claim(account, voucher.Category(strings.ToLower(strings.TrimSpace(params.Category))), params.TaskID, nonce, signature)
	if err != nil {
		metrics.Rewards().VoucherClaim("rejected")
		writeEngineError(w, req.ID, err)
		return
	}
	metrics.Rewards().VoucherClaim("granted")
	writeResult(w, req.ID, voucherClaimResult{
		AmountGranted:   result.AmountGranted.String(),
		NewTotalEarned:  result.NewTotalEarned.String(),
		ConsecutiveDays: result.ConsecutiveDays,
		SettlementRef:   result.SettlementRef,
	})
}

func (s *Server) handleVoucherLedger(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Account string `json:"account"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	account, err := decodeAccount(params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	ledger, err := s.vouchers.Ledger(account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"account":         formatAccount(ledger.Account),
		"totalEarned":     ledger.TotalEarned.String(),
		"earnedToday":     s.vouchers.EffectiveToday(ledger).String(),
		"lastClaimDay":    ledger.LastClaimDay,
		"consecutiveDays": ledger.ConsecutiveDays,
	})
}

type categoryResult struct {
	Category        string `json:"category"`
	Enabled         bool   `json:"enabled"`
	Repeatable      bool   `json:"repeatable"`
	BaseAmount      string `json:"baseAmount"`
	DailyCap        string `json:"dailyCap"`
	LifetimeCap     string `json:"lifetimeCap"`
	LimitPolicy     string `json:"limitPolicy"`
	StreakThreshold uint32 `json:"streakThreshold"`
	StreakBonusBps  uint64 `json:"streakBonusBps"`
}

func (s *Server) handleVoucherCategories(w http.ResponseWriter, req *RPCRequest) {
	categories, err := s.vouchers.Categories()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]categoryResult, len(categories))
	for i, cfg := range categories {
		results[i] = categoryResult{
			Category:        string(cfg.Category),
			Enabled:         cfg.Enabled,
			Repeatable:      cfg.Repeatable,
			BaseAmount:      cfg.BaseAmount.String(),
			DailyCap:        cfg.DailyCap.String(),
			LifetimeCap:     cfg.LifetimeCap.String(),
			LimitPolicy:     cfg.LimitPolicy.String(),
			StreakThreshold: cfg.StreakThreshold,
			StreakBonusBps:  cfg.StreakBonusBps,
		}
	}
	writeResult(w, req.ID, results)
}
