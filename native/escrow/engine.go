package escrow

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
)

var errNilState = errors.New("escrow engine: state not configured")

// engineState is the narrow persistence surface the engine mutates through.
// The concrete implementation lives in the state package; tests supply an
// in-memory mock. AgreementGet returns ErrAgreementNotFound for a missing
// record; any other error indicates a storage fault and must not be
// collapsed into not-found.
type engineState interface {
	AgreementPut(*Agreement) error
	AgreementGet(id [32]byte) (*Agreement, error)
	NextAgreementNonce() (uint64, error)
	EscrowBalance(id [32]byte) (*big.Int, error)
	EscrowCredit(id [32]byte, amt *big.Int) error
	EscrowDebit(id [32]byte, amt *big.Int) error
	EscrowVaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine is the escrow settlement ledger. Each operation validates fully
// before mutating anything, so a failed call leaves balances and agreement
// records untouched. The hosting layer serializes calls; the engine performs
// no internal locking.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a ledger engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadAgreement(id [32]byte) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, err := e.state.AgreementGet(id)
	if err != nil {
		return nil, err
	}
	return agreement, nil
}

// AgreementID derives the deterministic identifier for the nth agreement
// between a client and a freelancer.
func AgreementID(client, freelancer [20]byte, nonce uint64) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], nonce)
	return ethcrypto.Keccak256Hash(client[:], freelancer[:], seq[:])
}

// Initiate creates a new agreement in the created state. No funds move. The
// optional arbitrator becomes the designated dispute-resolution authority.
func (e *Engine) Initiate(client, freelancer [20]byte, milestoneAmounts []*big.Int, arbitratorOpt *[20]byte) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if client == ([20]byte{}) || freelancer == ([20]byte{}) || client == freelancer {
		return nil, ErrInvalidParticipants
	}
	if len(milestoneAmounts) == 0 {
		return nil, ErrInvalidMilestones
	}
	for _, amount := range milestoneAmounts {
		if !validAmount(amount) {
			return nil, ErrInvalidMilestones
		}
	}
	total, err := sumAmounts(milestoneAmounts)
	if err != nil {
		return nil, err
	}
	arbitrator := [20]byte{}
	if arbitratorOpt != nil {
		arbitrator = *arbitratorOpt
	}
	if arbitrator == client || arbitrator == freelancer {
		return nil, ErrInvalidParticipants
	}
	nonce, err := e.state.NextAgreementNonce()
	if err != nil {
		return nil, err
	}
	now := e.now()
	milestones := make([]*Milestone, len(milestoneAmounts))
	for i, amount := range milestoneAmounts {
		milestones[i] = &Milestone{Index: uint32(i), Amount: new(big.Int).Set(amount)}
	}
	agreement := &Agreement{
		ID:              AgreementID(client, freelancer, nonce),
		Client:          client,
		Freelancer:      freelancer,
		Arbitrator:      arbitrator,
		Milestones:      milestones,
		TotalAmount:     total,
		DepositedAmount: big.NewInt(0),
		ReleasedAmount:  big.NewInt(0),
		RefundedAmount:  big.NewInt(0),
		Status:          StatusCreated,
		Nonce:           nonce,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.state.AgreementPut(agreement); err != nil {
		return nil, err
	}
	e.emit(events.EscrowInitiated{
		ID:          agreement.ID,
		Client:      client,
		Freelancer:  freelancer,
		TotalAmount: cloneBigInt(total),
		Milestones:  len(milestones),
		CreatedAt:   now,
	})
	return agreement.Clone(), nil
}

// Deposit moves amount from the client's account into the ledger vault and
// credits it against the agreement. The agreement becomes funded exactly when
// the deposited total reaches the agreement total; releases stay locked until
// then.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, amount *big.Int) (*big.Int, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	if caller != agreement.Client {
		return nil, ErrUnauthorized
	}
	if agreement.Status != StatusCreated && agreement.Status != StatusFunded {
		return nil, ErrInvalidState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	newDeposited, err := checkedAdd(agreement.DepositedAmount, amount)
	if err != nil {
		return nil, err
	}
	if newDeposited.Cmp(agreement.TotalAmount) > 0 {
		return nil, ErrOverFunding
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	plan, err := e.planTransfer(agreement.Client, vault, amount)
	if err != nil {
		return nil, err
	}

	// Validation complete; commit.
	if err := plan.apply(e.state); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(id, amount); err != nil {
		return nil, err
	}
	agreement.DepositedAmount = newDeposited
	funded := agreement.FullyFunded()
	if funded && agreement.Status == StatusCreated {
		agreement.Status = StatusFunded
	}
	agreement.UpdatedAt = e.now()
	if err := e.state.AgreementPut(agreement); err != nil {
		return nil, err
	}
	e.emit(events.EscrowDeposited{
		ID:        id,
		Client:    agreement.Client,
		Amount:    cloneBigInt(amount),
		Deposited: cloneBigInt(newDeposited),
		Funded:    funded,
	})
	return cloneBigInt(newDeposited), nil
}

// Release pays the milestone at index to the freelancer. Milestones release
// strictly in schedule order on fully funded agreements only.
func (e *Engine) Release(id [32]byte, caller [20]byte, index uint32) (*big.Int, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	if caller != agreement.Client {
		return nil, ErrUnauthorized
	}
	if agreement.Status != StatusFunded && agreement.Status != StatusPartiallyReleased {
		return nil, ErrInvalidState
	}
	if !agreement.FullyFunded() {
		return nil, ErrInsufficientFunding
	}
	if int(index) >= len(agreement.Milestones) {
		return nil, ErrMilestoneOutOfOrder
	}
	milestone := agreement.Milestones[index]
	if milestone.Released {
		return nil, ErrAlreadyReleased
	}
	next := agreement.NextUnreleased()
	if next < 0 || uint32(next) != index {
		return nil, ErrMilestoneOutOfOrder
	}
	newReleased, err := checkedAdd(agreement.ReleasedAmount, milestone.Amount)
	if err != nil {
		return nil, err
	}
	held, err := e.state.EscrowBalance(id)
	if err != nil {
		return nil, err
	}
	if held == nil || held.Cmp(milestone.Amount) < 0 {
		return nil, ErrInsufficientFunding
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	plan, err := e.planTransfer(vault, agreement.Freelancer, milestone.Amount)
	if err != nil {
		return nil, err
	}

	// Validation complete; commit.
	if err := plan.apply(e.state); err != nil {
		return nil, err
	}
	if err := e.state.EscrowDebit(id, milestone.Amount); err != nil {
		return nil, err
	}
	now := e.now()
	milestone.Released = true
	milestone.ReleasedAt = now
	agreement.ReleasedAmount = newReleased
	completed := agreement.NextUnreleased() < 0
	if completed {
		agreement.Status = StatusCompleted
	} else {
		agreement.Status = StatusPartiallyReleased
	}
	agreement.UpdatedAt = now
	if err := e.state.AgreementPut(agreement); err != nil {
		return nil, err
	}
	e.emit(events.EscrowReleased{
		ID:         id,
		Freelancer: agreement.Freelancer,
		Milestone:  index,
		Amount:     cloneBigInt(milestone.Amount),
		Completed:  completed,
	})
	return cloneBigInt(milestone.Amount), nil
}

// Refund returns the unreleased remainder to the client and terminates the
// agreement. Funds already released to the freelancer are never clawed back.
// The client may refund directly; on disputed agreements the designated
// arbitrator may refund as well.
func (e *Engine) Refund(id [32]byte, caller [20]byte) (*big.Int, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	authorized := caller == agreement.Client
	if !authorized && agreement.HasArbitrator() && caller == agreement.Arbitrator {
		authorized = true
	}
	if !authorized {
		return nil, ErrUnauthorized
	}
	switch agreement.Status {
	case StatusFunded, StatusPartiallyReleased, StatusDisputed:
	default:
		return nil, ErrInvalidState
	}
	return e.refundAgreement(agreement)
}

// refundAgreement performs the shared refund path. Callers have already
// authorized and state-checked the transition.
func (e *Engine) refundAgreement(agreement *Agreement) (*big.Int, error) {
	remaining, err := agreement.RemainingHeld()
	if err != nil {
		return nil, err
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	var plan *transferPlan
	if remaining.Sign() > 0 {
		plan, err = e.planTransfer(vault, agreement.Client, remaining)
		if err != nil {
			return nil, err
		}
	}

	// Validation complete; commit.
	if plan != nil {
		if err := plan.apply(e.state); err != nil {
			return nil, err
		}
		if err := e.state.EscrowDebit(agreement.ID, remaining); err != nil {
			return nil, err
		}
	}
	now := e.now()
	for _, m := range agreement.Milestones {
		if m != nil && !m.Released {
			m.Voided = true
		}
	}
	agreement.RefundedAmount = cloneBigInt(remaining)
	agreement.Status = StatusRefunded
	agreement.UpdatedAt = now
	if err := e.state.AgreementPut(agreement); err != nil {
		return nil, err
	}
	e.emit(events.EscrowRefunded{
		ID:     agreement.ID,
		Client: agreement.Client,
		Amount: cloneBigInt(remaining),
	})
	return cloneBigInt(remaining), nil
}

// Dispute freezes the agreement pending arbitrator resolution. Either party
// may raise a dispute while funds are held.
func (e *Engine) Dispute(id [32]byte, caller [20]byte) error {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Client && caller != agreement.Freelancer {
		return ErrUnauthorized
	}
	if agreement.Status != StatusFunded && agreement.Status != StatusPartiallyReleased {
		return ErrInvalidState
	}
	agreement.Status = StatusDisputed
	agreement.UpdatedAt = e.now()
	if err := e.state.AgreementPut(agreement); err != nil {
		return err
	}
	e.emit(events.EscrowDisputed{ID: id, Caller: caller})
	return nil
}

// Resolution outcomes accepted by Resolve.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
)

// Resolve settles a disputed agreement according to the arbitrator's
// decision: outcome release pays the remaining milestones to the freelancer,
// outcome refund returns the remainder to the client.
func (e *Engine) Resolve(id [32]byte, caller [20]byte, outcome string) (*big.Int, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	if !agreement.HasArbitrator() {
		return nil, ErrNoArbitrator
	}
	if caller != agreement.Arbitrator {
		return nil, ErrUnauthorized
	}
	if agreement.Status != StatusDisputed {
		return nil, ErrInvalidState
	}
	var settled *big.Int
	switch outcome {
	case OutcomeRelease:
		settled, err = e.releaseRemaining(agreement)
	case OutcomeRefund:
		settled, err = e.refundAgreement(agreement)
	default:
		return nil, ErrInvalidOutcome
	}
	if err != nil {
		return nil, err
	}
	e.emit(events.EscrowResolved{ID: id, Arbitrator: caller, Outcome: outcome})
	return settled, nil
}

// releaseRemaining pays every unreleased milestone to the freelancer and
// completes the agreement. Used only by dispute resolution, where the
// arbitrator settles the whole remainder at once.
func (e *Engine) releaseRemaining(agreement *Agreement) (*big.Int, error) {
	remaining, err := agreement.RemainingHeld()
	if err != nil {
		return nil, err
	}
	newReleased, err := checkedAdd(agreement.ReleasedAmount, remaining)
	if err != nil {
		return nil, err
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	var plan *transferPlan
	if remaining.Sign() > 0 {
		plan, err = e.planTransfer(vault, agreement.Freelancer, remaining)
		if err != nil {
			return nil, err
		}
	}

	// Validation complete; commit.
	if plan != nil {
		if err := plan.apply(e.state); err != nil {
			return nil, err
		}
		if err := e.state.EscrowDebit(agreement.ID, remaining); err != nil {
			return nil, err
		}
	}
	now := e.now()
	for _, m := range agreement.Milestones {
		if m != nil && !m.Released {
			m.Released = true
			m.ReleasedAt = now
		}
	}
	agreement.ReleasedAmount = newReleased
	agreement.Status = StatusCompleted
	agreement.UpdatedAt = now
	if err := e.state.AgreementPut(agreement); err != nil {
		return nil, err
	}
	return cloneBigInt(remaining), nil
}

// Get returns a snapshot of the agreement for audit and query surfaces.
func (e *Engine) Get(id [32]byte) (*Agreement, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	return agreement.Clone(), nil
}

// transferPlan captures a validated account movement so every balance check
// happens before the first write.
type transferPlan struct {
	from, to       [20]byte
	fromAcc, toAcc *types.Account
}

func (e *Engine) planTransfer(from, to [20]byte, amount *big.Int) (*transferPlan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return nil, err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return nil, err
	}
	fromAcc = fromAcc.EnsureDefaults()
	toAcc = toAcc.EnsureDefaults()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return nil, ErrInsufficientBalance
	}
	newFrom, err := checkedSub(fromAcc.Balance, amt)
	if err != nil {
		return nil, err
	}
	newTo, err := checkedAdd(toAcc.Balance, amt)
	if err != nil {
		return nil, err
	}
	fromAcc.Balance = newFrom
	toAcc.Balance = newTo
	return &transferPlan{from: from, to: to, fromAcc: fromAcc, toAcc: toAcc}, nil
}

func (p *transferPlan) apply(state engineState) error {
	if err := state.PutAccount(p.from[:], p.fromAcc); err != nil {
		return err
	}
	return state.PutAccount(p.to[:], p.toAcc)
}
