package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of an escrow agreement.
type Status uint8

const (
	// StatusCreated marks agreements awaiting full funding from the client.
	StatusCreated Status = iota
	// StatusFunded marks agreements whose deposited total equals the
	// agreement total and are open to milestone releases.
	StatusFunded
	// StatusPartiallyReleased marks agreements with at least one milestone
	// paid out and at least one still held.
	StatusPartiallyReleased
	// StatusCompleted marks agreements whose milestones have all been
	// released. Terminal.
	StatusCompleted
	// StatusRefunded marks agreements whose unreleased remainder has been
	// returned to the client. Terminal.
	StatusRefunded
	// StatusDisputed marks agreements frozen pending arbitrator resolution.
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusPartiallyReleased, StatusCompleted, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusPartiallyReleased:
		return "partially_released"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Milestone is one ordered portion of the agreement total. Milestones release
// strictly in slice order; Voided marks milestones abandoned by a refund.
type Milestone struct {
	Index      uint32
	Amount     *big.Int
	Released   bool
	Voided     bool
	ReleasedAt int64
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Agreement binds a client, a freelancer, and an ordered milestone schedule.
// It is mutated only through the ledger engine and is never deleted: terminal
// agreements remain queryable for audit.
type Agreement struct {
	ID              [32]byte
	Client          [20]byte
	Freelancer      [20]byte
	Arbitrator      [20]byte
	Milestones      []*Milestone
	TotalAmount     *big.Int
	DepositedAmount *big.Int
	ReleasedAmount  *big.Int
	RefundedAmount  *big.Int
	Status          Status
	Nonce           uint64
	CreatedAt       int64
	UpdatedAt       int64
}

// Clone returns a deep copy so callers can safely mutate without affecting
// the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.TotalAmount = cloneBigInt(a.TotalAmount)
	clone.DepositedAmount = cloneBigInt(a.DepositedAmount)
	clone.ReleasedAmount = cloneBigInt(a.ReleasedAmount)
	clone.RefundedAmount = cloneBigInt(a.RefundedAmount)
	if len(a.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(a.Milestones))
		for i, m := range a.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// HasArbitrator reports whether a dispute-resolution authority was designated
// at initiation.
func (a *Agreement) HasArbitrator() bool {
	return a != nil && a.Arbitrator != ([20]byte{})
}

// NextUnreleased returns the index of the next milestone due for release, or
// -1 when every milestone has been released or voided.
func (a *Agreement) NextUnreleased() int {
	if a == nil {
		return -1
	}
	for i, m := range a.Milestones {
		if m == nil {
			continue
		}
		if !m.Released && !m.Voided {
			return i
		}
	}
	return -1
}

// RemainingHeld returns deposited minus released: the value currently held by
// the ledger vault on behalf of this agreement.
func (a *Agreement) RemainingHeld() (*big.Int, error) {
	if a == nil {
		return nil, fmt.Errorf("escrow: nil agreement")
	}
	return checkedSub(a.DepositedAmount, a.ReleasedAmount)
}

// FullyFunded reports whether the deposited total has reached the agreement
// total. Releases are only permitted on fully funded agreements.
func (a *Agreement) FullyFunded() bool {
	if a == nil || a.DepositedAmount == nil || a.TotalAmount == nil {
		return false
	}
	return a.DepositedAmount.Cmp(a.TotalAmount) == 0
}

// SanitizeAgreement validates and normalises an agreement record, returning a
// clone with non-nil amount fields. The original value is not mutated.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("escrow: nil agreement")
	}
	clone := a.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	if clone.Client == ([20]byte{}) || clone.Freelancer == ([20]byte{}) || clone.Client == clone.Freelancer {
		return nil, ErrInvalidParticipants
	}
	if len(clone.Milestones) == 0 {
		return nil, ErrInvalidMilestones
	}
	total := big.NewInt(0)
	for i, m := range clone.Milestones {
		if m == nil || !validAmount(m.Amount) {
			return nil, ErrInvalidMilestones
		}
		if m.Index != uint32(i) {
			return nil, fmt.Errorf("escrow: milestone index %d out of sequence", m.Index)
		}
		next, err := checkedAdd(total, m.Amount)
		if err != nil {
			return nil, err
		}
		total = next
	}
	if clone.TotalAmount == nil || clone.TotalAmount.Cmp(total) != 0 {
		return nil, fmt.Errorf("escrow: total does not match milestone schedule")
	}
	if clone.DepositedAmount.Sign() < 0 || clone.ReleasedAmount.Sign() < 0 || clone.RefundedAmount.Sign() < 0 {
		return nil, ErrArithmeticUnderflow
	}
	if clone.DepositedAmount.Cmp(clone.TotalAmount) > 0 {
		return nil, ErrOverFunding
	}
	if clone.ReleasedAmount.Cmp(clone.DepositedAmount) > 0 {
		return nil, fmt.Errorf("escrow: released exceeds deposited")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
