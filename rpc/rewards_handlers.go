package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"rewardhub/crypto"
	"rewardhub/native/rewards"
	"rewardhub/observability/metrics"
)

type snapshotEntrantParam struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type createSnapshotParams struct {
	PeriodID    uint64                 `json:"periodId"`
	PeriodStart int64                  `json:"periodStart"`
	PeriodEnd   int64                  `json:"periodEnd"`
	Entrants    []snapshotEntrantParam `json:"entrants"`
}

type leafResult struct {
	Account   string   `json:"account"`
	Amount    string   `json:"amount"`
	LeafIndex uint32   `json:"leafIndex"`
	Proof     []string `json:"proof"`
}

type snapshotResult struct {
	PeriodID    uint64       `json:"periodId"`
	Root        string       `json:"root"`
	TotalAmount string       `json:"totalAmount"`
	Status      string       `json:"status"`
	Cause       string       `json:"cause,omitempty"`
	CreatedAt   int64        `json:"createdAt"`
	CompletedAt int64        `json:"completedAt,omitempty"`
	Leaves      []leafResult `json:"leaves,omitempty"`
}

type claimParams struct {
	PeriodID  uint64   `json:"periodId"`
	LeafIndex uint32   `json:"leafIndex"`
	Account   string   `json:"account"`
	Amount    string   `json:"amount"`
	Proof     []string `json:"proof"`
}

type claimResult struct {
	PeriodID      uint64 `json:"periodId"`
	LeafIndex     uint32 `json:"leafIndex"`
	Account       string `json:"account"`
	Amount        string `json:"amount"`
	RedeemedAt    int64  `json:"redeemedAt"`
	SettlementRef string `json:"settlementRef"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected one parameter object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func decodeAccount(value string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	return addr.Fixed(), nil
}

func decodeAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func decodeProof(values []string) ([][32]byte, error) {
	proof := make([][32]byte, len(values))
	for i, value := range values {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
		if err != nil {
			return nil, fmt.Errorf("proof element %d: %w", i, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("proof element %d: expected 32 bytes, got %d", i, len(raw))
		}
		copy(proof[i][:], raw)
	}
	return proof, nil
}

func formatAccount(account [20]byte) string {
	addr, err := crypto.NewAddress(account[:])
	if err != nil {
		return hex.EncodeToString(account[:])
	}
	return addr.String()
}

func formatLeaf(leaf *rewards.Leaf) leafResult {
	proof := make([]string, len(leaf.Proof))
	for i, sibling := range leaf.Proof {
		proof[i] = hex.EncodeToString(sibling[:])
	}
	return leafResult{
		Account:   formatAccount(leaf.Account),
		Amount:    leaf.Amount.String(),
		LeafIndex: leaf.LeafIndex,
		Proof:     proof,
	}
}

func formatSnapshot(snapshot *rewards.Snapshot, includeLeaves bool) snapshotResult {
	result := snapshotResult{
		PeriodID:    snapshot.PeriodID,
		Root:        hex.EncodeToString(snapshot.Root[:]),
		TotalAmount: snapshot.TotalAmount.String(),
		Status:      snapshot.Status.String(),
		Cause:       snapshot.FailureCause,
		CreatedAt:   snapshot.CreatedAt.Unix(),
	}
	if snapshot.CompletedAt != nil {
		result.CompletedAt = snapshot.CompletedAt.Unix()
	}
	if includeLeaves {
		result.Leaves = make([]leafResult, len(snapshot.Leaves))
		for i, leaf := range snapshot.Leaves {
			result.Leaves[i] = formatLeaf(leaf)
		}
	}
	return result
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, req *RPCRequest) {
	var params createSnapshotParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	entrants := make([]rewards.Entrant, len(params.Entrants))
	for i, entrant := range params.Entrants {
		account, err := decodeAccount(entrant.Account)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("entrant %d: invalid account", i), err.Error())
			return
		}
		amount, err := decodeAmount(entrant.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("entrant %d: invalid amount", i), err.Error())
			return
		}
		entrants[i] = rewards.Entrant{Account: account, Amount: amount}
	}
	snapshot, err := s.snapshots.Create(params.PeriodID, time.Unix(params.PeriodStart, 0), time.Unix(params.PeriodEnd, 0), entrants)
	if err != nil {
		metrics.Rewards().SnapshotCreated("failed", params.PeriodID, 0)
		writeEngineError(w, req.ID, err)
		return
	}
	entitled, _ := new(big.Float).SetInt(snapshot.TotalAmount).Float64()
	metrics.Rewards().SnapshotCreated("completed", snapshot.PeriodID, entitled)
	writeResult(w, req.ID, formatSnapshot(snapshot, true))
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		PeriodID      uint64 `json:"periodId"`
		IncludeLeaves bool   `json:"includeLeaves"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	snapshot, err := s.snapshots.Get(params.PeriodID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSnapshot(snapshot, params.IncludeLeaves))
}

func (s *Server) handleGetEntitlement(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		PeriodID uint64 `json:"periodId"`
		Account  string `json:"account"`
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
	leaf, err := s.snapshots.GetLeaf(params.PeriodID, account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatLeaf(leaf))
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Page int `json:"page"`
		Size int `json:"size"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	snapshots, err := s.snapshots.List(params.Page, params.Size)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]snapshotResult, len(snapshots))
	for i, snapshot := range snapshots {
		results[i] = formatSnapshot(snapshot, false)
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handlePeriodStats(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		PeriodID uint64 `json:"periodId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	stats, err := s.claims.Stats(params.PeriodID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"periodId":      stats.PeriodID,
		"totalEntitled": stats.TotalEntitled.String(),
		"totalClaimed":  stats.TotalClaimed.String(),
		"leafCount":     stats.LeafCount,
		"claimedCount":  stats.ClaimedCount,
		"claimRate":     stats.ClaimRate().FloatString(6),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, req *RPCRequest) {
	var params claimParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return
	}
	account, err := decodeAccount(params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account", err.Error())
		return
	}
	amount, err := decodeAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	proof, err := decodeProof(params.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid proof", err.Error())
		return
	}
	record, err := s.claims.Claim(params.PeriodID, params.LeafIndex, account, amount, proof)
	if err != nil {
		metrics.Rewards().BatchClaim("rejected")
		writeEngineError(w, req.ID, err)
		return
	}
	metrics.Rewards().BatchClaim("granted")
	writeResult(w, req.ID, claimResult{
		PeriodID:      record.PeriodID,
		LeafIndex:     record.LeafIndex,
		Account:       formatAccount(record.Account),
		Amount:        record.Amount.String(),
		RedeemedAt:    record.RedeemedAt.Unix(),
		SettlementRef: record.SettlementRef,
	})
}
