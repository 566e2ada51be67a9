package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/observability"
)

const (
	codeInvalidParams  = -32021
	codeNotFound       = -32022
	codeForbidden      = -32023
	codeStateConflict  = -32024
	codeInternalLedger = -32025
)

type agreementJSON struct {
	ID         string          `json:"id"`
	Client     string          `json:"client"`
	Freelancer string          `json:"freelancer"`
	Arbitrator string          `json:"arbitrator,omitempty"`
	Milestones []milestoneJSON `json:"milestones"`
	Total      string          `json:"totalAmount"`
	Deposited  string          `json:"depositedAmount"`
	Released   string          `json:"releasedAmount"`
	Refunded   string          `json:"refundedAmount"`
	Status     string          `json:"status"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

type milestoneJSON struct {
	Index      uint32 `json:"index"`
	Amount     string `json:"amount"`
	Released   bool   `json:"released"`
	Voided     bool   `json:"voided"`
	ReleasedAt int64  `json:"releasedAt,omitempty"`
}

func agreementToJSON(a *escrow.Agreement) agreementJSON {
	out := agreementJSON{
		ID:         formatAgreementID(a.ID),
		Client:     formatAddr(a.Client),
		Freelancer: formatAddr(a.Freelancer),
		Total:      bigString(a.TotalAmount),
		Deposited:  bigString(a.DepositedAmount),
		Released:   bigString(a.ReleasedAmount),
		Refunded:   bigString(a.RefundedAmount),
		Status:     a.Status.String(),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
	if a.HasArbitrator() {
		out.Arbitrator = formatAddr(a.Arbitrator)
	}
	out.Milestones = make([]milestoneJSON, len(a.Milestones))
	for i, m := range a.Milestones {
		out.Milestones[i] = milestoneJSON{
			Index:      m.Index,
			Amount:     bigString(m.Amount),
			Released:   m.Released,
			Voided:     m.Voided,
			ReleasedAt: m.ReleasedAt,
		}
	}
	return out
}

func formatAgreementID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatAddr(raw [20]byte) string {
	addr, err := crypto.NewAddress(crypto.EscrowPrefix, raw[:])
	if err != nil {
		return hex.EncodeToString(raw[:])
	}
	return addr.String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAddressParam(value, field string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("%s is required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid %s: %w", field, err)
	}
	return addr.Raw(), nil
}

func parseAgreementID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid agreement id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid agreement id: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func parseAmount(value, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: not a base-10 integer", field)
	}
	return amount, nil
}

// writeEscrowError maps ledger sentinel errors onto JSON-RPC codes and HTTP
// statuses. Validation failures are client errors, missing records map to 404,
// authorization to 403, and ordering or state conflicts to 409.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrAgreementNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeForbidden, err.Error(), nil)
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrMilestoneOutOfOrder),
		errors.Is(err, escrow.ErrOverFunding),
		errors.Is(err, escrow.ErrInsufficientFunding),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrNoArbitrator),
		errors.Is(err, escrow.ErrArithmeticOverflow),
		errors.Is(err, escrow.ErrArithmeticUnderflow):
		writeError(w, http.StatusConflict, id, codeStateConflict, err.Error(), nil)
	case errors.Is(err, escrow.ErrInvalidParticipants),
		errors.Is(err, escrow.ErrInvalidMilestones),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeInternalLedger, err.Error(), nil)
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid params payload: %w", err)
	}
	return nil
}

func observe(method string, start time.Time, err error) {
	m := observability.Ledger()
	if err == nil {
		m.Observe(method, "ok", start)
		return
	}
	m.Observe(method, "error", start)
	m.Error(method, errorKind(err))
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, escrow.ErrAgreementNotFound):
		return "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, escrow.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, escrow.ErrInvalidParticipants),
		errors.Is(err, escrow.ErrInvalidMilestones),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidOutcome):
		return "validation"
	case errors.Is(err, escrow.ErrOverFunding),
		errors.Is(err, escrow.ErrInsufficientFunding),
		errors.Is(err, escrow.ErrInsufficientBalance):
		return "funding"
	case errors.Is(err, escrow.ErrMilestoneOutOfOrder),
		errors.Is(err, escrow.ErrAlreadyReleased):
		return "ordering"
	case errors.Is(err, escrow.ErrNoArbitrator):
		return "no_arbitrator"
	case errors.Is(err, escrow.ErrArithmeticOverflow),
		errors.Is(err, escrow.ErrArithmeticUnderflow):
		return "arithmetic"
	default:
		return "internal"
	}
}

// snapshot renders the stored agreement after a successful mutation. Failures
// here indicate storage corruption and surface as internal errors.
func (s *Server) snapshot(w http.ResponseWriter, reqID interface{}, id [32]byte) {
	agreement, err := s.engine.Get(id)
	if err != nil {
		writeEscrowError(w, reqID, err)
		return
	}
	writeResult(w, reqID, agreementToJSON(agreement))
}

type initiateParams struct {
	Client     string   `json:"client"`
	Freelancer string   `json:"freelancer"`
	Arbitrator string   `json:"arbitrator,omitempty"`
	Milestones []string `json:"milestones"`
}

func (s *Server) handleEscrowInitiate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params initiateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	client, err := parseAddressParam(params.Client, "client")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	freelancer, err := parseAddressParam(params.Freelancer, "freelancer")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	arbitrator := s.defaultArbitrator
	if strings.TrimSpace(params.Arbitrator) != "" {
		raw, err := parseAddressParam(params.Arbitrator, "arbitrator")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		arbitrator = &raw
	}
	milestones := make([]*big.Int, len(params.Milestones))
	for i, raw := range params.Milestones {
		amount, err := parseAmount(raw, fmt.Sprintf("milestones[%d]", i))
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		milestones[i] = amount
	}
	agreement, err := s.engine.Initiate(client, freelancer, milestones, arbitrator)
	observe("escrow_initiate", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("agreement initiated",
		"id", formatAgreementID(agreement.ID),
		"client", formatAddr(client),
		"freelancer", formatAddr(freelancer),
		"milestones", len(milestones))
	writeResult(w, req.ID, agreementToJSON(agreement))
}

type depositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params depositParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	deposited, err := s.engine.Deposit(id, caller, amount)
	observe("escrow_deposit", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"id":              formatAgreementID(id),
		"depositedAmount": deposited.String(),
	})
}

type releaseParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Milestone uint32 `json:"milestone"`
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params releaseParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	released, err := s.engine.Release(id, caller, params.Milestone)
	observe("escrow_release", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("milestone released",
		"id", formatAgreementID(id),
		"milestone", params.Milestone,
		"amount", released.String())
	s.snapshot(w, req.ID, id)
}

type actorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params actorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	refunded, err := s.engine.Refund(id, caller)
	observe("escrow_refund", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("agreement refunded",
		"id", formatAgreementID(id),
		"amount", refunded.String())
	s.snapshot(w, req.ID, id)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params actorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	err = s.engine.Dispute(id, caller)
	observe("escrow_dispute", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.snapshot(w, req.ID, id)
}

type resolveParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params resolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	outcome := strings.ToLower(strings.TrimSpace(params.Outcome))
	settled, err := s.engine.Resolve(id, caller, outcome)
	observe("escrow_resolve", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("dispute resolved",
		"id", formatAgreementID(id),
		"outcome", outcome,
		"amount", settled.String())
	s.snapshot(w, req.ID, id)
}

type getParams struct {
	ID string `json:"id"`
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params getParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	agreement, err := s.engine.Get(id)
	observe("escrow_get", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, agreementToJSON(agreement))
}

type creditParams struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *Server) handleAccountCredit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params creditParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	account, err := parseAddressParam(params.Account, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be positive", nil)
		return
	}
	err = s.st.Credit(account[:], amount)
	observe("escrow_credit", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	acc, err := s.st.GetAccount(account[:])
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"account": formatAddr(account),
		"balance": bigString(acc.Balance),
	})
}

type balanceParams struct {
	Account string `json:"account"`
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	start := time.Now()
	var params balanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	account, err := parseAddressParam(params.Account, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	acc, err := s.st.GetAccount(account[:])
	observe("escrow_balance", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"account": formatAddr(account),
		"balance": bigString(acc.Balance),
	})
}

type eventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type eventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params eventsParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	if s.feed == nil {
		writeResult(w, req.ID, []eventJSON{})
		return
	}
	recent := s.feed.Recent(params.After, params.Limit)
	out := make([]eventJSON, len(recent))
	for i, seq := range recent {
		evt := seq.Event
		out[i] = eventJSON{Sequence: seq.Sequence, Type: evt.Type, Attributes: evt.Attributes}
	}
	writeResult(w, req.ID, out)
}
