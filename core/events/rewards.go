package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"rewardhub/core/types"
	"rewardhub/crypto"
)

const (
	TypeSnapshotCompleted = "rewards.snapshot.completed"
	TypeSnapshotFailed    = "rewards.snapshot.failed"
	TypeRewardClaimed     = "rewards.claimed"
	TypeVoucherClaimed    = "voucher.claimed"
	TypeVoucherRejected   = "voucher.rejected"
)

type SnapshotCompleted struct {
	PeriodID    uint64
	Root        [32]byte
	Leaves      int
	TotalAmount *big.Int
}

func (SnapshotCompleted) EventType() string { return TypeSnapshotCompleted }

func (e SnapshotCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeSnapshotCompleted,
		Attributes: map[string]string{
			"period": strconv.FormatUint(e.PeriodID, 10),
			"root":   hex.EncodeToString(e.Root[:]),
			"leaves": strconv.Itoa(e.Leaves),
			"total":  formatAmount(e.TotalAmount),
		},
	}
}

type SnapshotFailed struct {
	PeriodID uint64
	Cause    string
}

func (SnapshotFailed) EventType() string { return TypeSnapshotFailed }

func (e SnapshotFailed) Event() *types.Event {
	return &types.Event{
		Type: TypeSnapshotFailed,
		Attributes: map[string]string{
			"period": strconv.FormatUint(e.PeriodID, 10),
			"cause":  e.Cause,
		},
	}
}

type RewardClaimed struct {
	PeriodID      uint64
	LeafIndex     uint32
	Account       [20]byte
	Amount        *big.Int
	SettlementRef string
}

func (RewardClaimed) EventType() string { return TypeRewardClaimed }

func (e RewardClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardClaimed,
		Attributes: map[string]string{
			"period":     strconv.FormatUint(e.PeriodID, 10),
			"leafIndex":  strconv.FormatUint(uint64(e.LeafIndex), 10),
			"account":    formatAccount(e.Account),
			"amount":     formatAmount(e.Amount),
			"settlement": e.SettlementRef,
		},
	}
}

type VoucherClaimed struct {
	Account       [20]byte
	Category      string
	TaskID        string
	Amount        *big.Int
	TotalEarned   *big.Int
	SettlementRef string
}

func (VoucherClaimed) EventType() string { return TypeVoucherClaimed }

func (e VoucherClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeVoucherClaimed,
		Attributes: map[string]string{
			"account":     formatAccount(e.Account),
			"category":    e.Category,
			"task":        e.TaskID,
			"amount":      formatAmount(e.Amount),
			"totalEarned": formatAmount(e.TotalEarned),
			"settlement":  e.SettlementRef,
		},
	}
}

type VoucherRejected struct {
	Account  [20]byte
	Category string
	TaskID   string
	Reason   string
}

func (VoucherRejected) EventType() string { return TypeVoucherRejected }

func (e VoucherRejected) Event() *types.Event {
	return &types.Event{
		Type: TypeVoucherRejected,
		Attributes: map[string]string{
			"account":  formatAccount(e.Account),
			"category": e.Category,
			"task":     e.TaskID,
			"reason":   e.Reason,
		},
	}
}

func formatAccount(addr [20]byte) string {
	decoded, err := crypto.NewAddress(addr[:])
	if err != nil {
		return hex.EncodeToString(addr[:])
	}
	return decoded.String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
