package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

var (
	agreementPrefix = []byte("agreement:")
	accountPrefix   = []byte("account:")
	escrowBalPrefix = []byte("escrow-balance:")
	nonceKey        = ethcrypto.Keccak256([]byte("agreement-nonce"))
	vaultSeed       = []byte("escrowd/vault")
)

// Manager persists ledger state in a key-value database. It implements the
// state surface the escrow engine mutates through; every record is stored
// RLP-encoded under a keccak-derived key.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager on top of the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func agreementKey(id [32]byte) []byte {
	buf := make([]byte, len(agreementPrefix)+len(id))
	copy(buf, agreementPrefix)
	copy(buf[len(agreementPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func escrowBalanceKey(id [32]byte) []byte {
	buf := make([]byte, len(escrowBalPrefix)+len(id))
	copy(buf, escrowBalPrefix)
	copy(buf[len(escrowBalPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

// storedMilestone mirrors escrow.Milestone with RLP-friendly field types.
type storedMilestone struct {
	Index      uint32
	Amount     *big.Int
	Released   bool
	Voided     bool
	ReleasedAt *big.Int
}

type storedAgreement struct {
	ID              [32]byte
	Client          [20]byte
	Freelancer      [20]byte
	Arbitrator      [20]byte
	Milestones      []storedMilestone
	TotalAmount     *big.Int
	DepositedAmount *big.Int
	ReleasedAmount  *big.Int
	RefundedAmount  *big.Int
	Status          uint8
	Nonce           uint64
	CreatedAt       *big.Int
	UpdatedAt       *big.Int
}

func newStoredAgreement(a *escrow.Agreement) *storedAgreement {
	milestones := make([]storedMilestone, len(a.Milestones))
	for i, m := range a.Milestones {
		amount := big.NewInt(0)
		if m.Amount != nil {
			amount = new(big.Int).Set(m.Amount)
		}
		milestones[i] = storedMilestone{
			Index:      m.Index,
			Amount:     amount,
			Released:   m.Released,
			Voided:     m.Voided,
			ReleasedAt: big.NewInt(m.ReleasedAt),
		}
	}
	return &storedAgreement{
		ID:              a.ID,
		Client:          a.Client,
		Freelancer:      a.Freelancer,
		Arbitrator:      a.Arbitrator,
		Milestones:      milestones,
		TotalAmount:     cloneOrZero(a.TotalAmount),
		DepositedAmount: cloneOrZero(a.DepositedAmount),
		ReleasedAmount:  cloneOrZero(a.ReleasedAmount),
		RefundedAmount:  cloneOrZero(a.RefundedAmount),
		Status:          uint8(a.Status),
		Nonce:           a.Nonce,
		CreatedAt:       big.NewInt(a.CreatedAt),
		UpdatedAt:       big.NewInt(a.UpdatedAt),
	}
}

func (s *storedAgreement) toAgreement() (*escrow.Agreement, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil agreement record")
	}
	milestones := make([]*escrow.Milestone, len(s.Milestones))
	for i := range s.Milestones {
		m := s.Milestones[i]
		milestones[i] = &escrow.Milestone{
			Index:    m.Index,
			Amount:   cloneOrZero(m.Amount),
			Released: m.Released,
			Voided:   m.Voided,
		}
		if m.ReleasedAt != nil {
			milestones[i].ReleasedAt = m.ReleasedAt.Int64()
		}
	}
	out := &escrow.Agreement{
		ID:              s.ID,
		Client:          s.Client,
		Freelancer:      s.Freelancer,
		Arbitrator:      s.Arbitrator,
		Milestones:      milestones,
		TotalAmount:     cloneOrZero(s.TotalAmount),
		DepositedAmount: cloneOrZero(s.DepositedAmount),
		ReleasedAmount:  cloneOrZero(s.ReleasedAmount),
		RefundedAmount:  cloneOrZero(s.RefundedAmount),
		Status:          escrow.Status(s.Status),
		Nonce:           s.Nonce,
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.UpdatedAt != nil {
		out.UpdatedAt = s.UpdatedAt.Int64()
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("state: invalid status %d", s.Status)
	}
	return out, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// AgreementPut sanitizes and persists an agreement record.
func (m *Manager) AgreementPut(a *escrow.Agreement) error {
	sanitized, err := escrow.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredAgreement(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(agreementKey(sanitized.ID), encoded)
}

// AgreementGet loads an agreement by identifier. A missing record maps to
// escrow.ErrAgreementNotFound; storage or decode failures are surfaced as
// distinct errors so a disk fault is never mistaken for an absent agreement.
func (m *Manager) AgreementGet(id [32]byte) (*escrow.Agreement, error) {
	data, err := m.db.Get(agreementKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, escrow.ErrAgreementNotFound
		}
		return nil, fmt.Errorf("state: load agreement: %w", err)
	}
	stored := new(storedAgreement)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: decode agreement record: %w", err)
	}
	agreement, err := stored.toAgreement()
	if err != nil {
		return nil, fmt.Errorf("state: restore agreement: %w", err)
	}
	return agreement, nil
}

// NextAgreementNonce increments and returns the global agreement counter.
func (m *Manager) NextAgreementNonce() (uint64, error) {
	var current uint64
	data, err := m.db.Get(nonceKey)
	switch {
	case err == nil:
		if len(data) != 8 {
			return 0, fmt.Errorf("state: malformed nonce record")
		}
		current = binary.BigEndian.Uint64(data)
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return 0, err
	}
	next := current + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := m.db.Put(nonceKey, buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowBalance returns the value currently held for the agreement.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	data, err := m.db.Get(escrowBalanceKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// EscrowCredit adds amt to the agreement's held balance.
func (m *Manager) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	return m.putEscrowBalance(id, new(big.Int).Add(balance, amt))
}

// EscrowDebit removes amt from the agreement's held balance, failing when the
// balance would go negative.
func (m *Manager) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow balance underflow")
	}
	return m.putEscrowBalance(id, new(big.Int).Sub(balance, amt))
}

func (m *Manager) putEscrowBalance(id [32]byte, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return m.db.Put(escrowBalanceKey(id), encoded)
}

// EscrowVaultAddress returns the module address holding all escrowed value.
// The address is derived from a fixed seed so it can never collide with a
// participant key.
func (m *Manager) EscrowVaultAddress() ([20]byte, error) {
	var addr [20]byte
	hash := ethcrypto.Keccak256(vaultSeed)
	copy(addr[:], hash[len(hash)-20:])
	return addr, nil
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads the account for addr, returning a zero-balance account
// when none is stored.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	data, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	return (&types.Account{Nonce: stored.Nonce, Balance: stored.Balance}).EnsureDefaults(), nil
}

// PutAccount persists an account record.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	account = account.EnsureDefaults()
	if account.Balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must be non-negative")
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: account.Balance})
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), encoded)
}

// Credit adds amount to an account balance. Used for genesis allocations and
// operator top-ups; ledger operations themselves only move existing value.
func (m *Manager) Credit(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return m.PutAccount(addr, account)
}
