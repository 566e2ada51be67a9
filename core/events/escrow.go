package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
	"escrowd/crypto"
)

const (
	TypeEscrowInitiated = "escrow.initiated"
	TypeEscrowDeposited = "escrow.deposited"
	TypeEscrowReleased  = "escrow.released"
	TypeEscrowCompleted = "escrow.completed"
	TypeEscrowRefunded  = "escrow.refunded"
	TypeEscrowDisputed  = "escrow.disputed"
	TypeEscrowResolved  = "escrow.resolved"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatAddress(raw [20]byte) string {
	return crypto.MustNewAddress(crypto.EscrowPrefix, raw[:]).String()
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}

// EscrowInitiated is emitted when a new agreement enters the ledger.
type EscrowInitiated struct {
	ID          [32]byte
	Client      [20]byte
	Freelancer  [20]byte
	TotalAmount *big.Int
	Milestones  int
	CreatedAt   int64
}

func (EscrowInitiated) EventType() string { return TypeEscrowInitiated }

func (e EscrowInitiated) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowInitiated,
		Attributes: map[string]string{
			"id":          hex.EncodeToString(e.ID[:]),
			"client":      formatAddress(e.Client),
			"freelancer":  formatAddress(e.Freelancer),
			"totalAmount": formatAmount(e.TotalAmount),
			"milestones":  strconv.Itoa(e.Milestones),
			"createdAt":   intToString(e.CreatedAt),
		},
	}
}

// EscrowDeposited is emitted for every accepted deposit.
type EscrowDeposited struct {
	ID        [32]byte
	Client    [20]byte
	Amount    *big.Int
	Deposited *big.Int
	Funded    bool
}

func (EscrowDeposited) EventType() string { return TypeEscrowDeposited }

func (e EscrowDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowDeposited,
		Attributes: map[string]string{
			"id":        hex.EncodeToString(e.ID[:]),
			"client":    formatAddress(e.Client),
			"amount":    formatAmount(e.Amount),
			"deposited": formatAmount(e.Deposited),
			"funded":    strconv.FormatBool(e.Funded),
		},
	}
}

// EscrowReleased is emitted when a milestone pays out to the freelancer.
type EscrowReleased struct {
	ID         [32]byte
	Freelancer [20]byte
	Milestone  uint32
	Amount     *big.Int
	Completed  bool
}

func (e EscrowReleased) EventType() string {
	if e.Completed {
		return TypeEscrowCompleted
	}
	return TypeEscrowReleased
}

func (e EscrowReleased) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"id":         hex.EncodeToString(e.ID[:]),
			"freelancer": formatAddress(e.Freelancer),
			"milestone":  strconv.FormatUint(uint64(e.Milestone), 10),
			"amount":     formatAmount(e.Amount),
		},
	}
}

// EscrowRefunded is emitted when the unreleased remainder returns to the
// client.
type EscrowRefunded struct {
	ID     [32]byte
	Client [20]byte
	Amount *big.Int
}

func (EscrowRefunded) EventType() string { return TypeEscrowRefunded }

func (e EscrowRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowRefunded,
		Attributes: map[string]string{
			"id":     hex.EncodeToString(e.ID[:]),
			"client": formatAddress(e.Client),
			"amount": formatAmount(e.Amount),
		},
	}
}

// EscrowDisputed is emitted when either party raises a dispute.
type EscrowDisputed struct {
	ID     [32]byte
	Caller [20]byte
}

func (EscrowDisputed) EventType() string { return TypeEscrowDisputed }

func (e EscrowDisputed) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowDisputed,
		Attributes: map[string]string{
			"id":     hex.EncodeToString(e.ID[:]),
			"caller": formatAddress(e.Caller),
		},
	}
}

// EscrowResolved is emitted after an arbitrator settles a dispute.
type EscrowResolved struct {
	ID         [32]byte
	Arbitrator [20]byte
	Outcome    string
}

func (EscrowResolved) EventType() string { return TypeEscrowResolved }

func (e EscrowResolved) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowResolved,
		Attributes: map[string]string{
			"id":         hex.EncodeToString(e.ID[:]),
			"arbitrator": formatAddress(e.Arbitrator),
			"outcome":    e.Outcome,
		},
	}
}
