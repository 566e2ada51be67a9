package escrow

import "errors"

// Ledger operation failures. Every entry point returns exactly one of these
// (possibly wrapped with context) so hosting layers can map outcomes onto
// their own error surfaces without string matching.
var (
	// ErrAgreementNotFound is returned when no agreement exists under the
	// requested identifier. It is always checked before authorization so a
	// caller probing foreign identifiers learns nothing from the ordering.
	ErrAgreementNotFound = errors.New("escrow: agreement not found")

	// ErrUnauthorized is returned when the authenticated caller does not hold
	// the role an operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")

	// ErrInvalidState is returned when the agreement's current status does not
	// admit the requested transition, including any mutation of a terminal
	// agreement.
	ErrInvalidState = errors.New("escrow: invalid state for operation")

	// ErrInvalidParticipants rejects agreements where the client and the
	// freelancer are the same identity, or a participant address is zero.
	ErrInvalidParticipants = errors.New("escrow: invalid participants")

	// ErrInvalidMilestones rejects empty milestone schedules and schedules
	// containing a non-positive amount.
	ErrInvalidMilestones = errors.New("escrow: invalid milestone schedule")

	// ErrInvalidAmount rejects non-positive deposit amounts.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")

	// ErrOverFunding rejects deposits that would push the deposited total
	// above the agreement total.
	ErrOverFunding = errors.New("escrow: deposit exceeds agreement total")

	// ErrInsufficientFunding rejects releases before the agreement is fully
	// funded.
	ErrInsufficientFunding = errors.New("escrow: agreement not fully funded")

	// ErrInsufficientBalance is returned when the depositing account does not
	// hold the funds it is trying to escrow.
	ErrInsufficientBalance = errors.New("escrow: insufficient account balance")

	// ErrMilestoneOutOfOrder rejects releases that skip ahead of the next
	// unreleased milestone, including indexes outside the schedule.
	ErrMilestoneOutOfOrder = errors.New("escrow: milestone out of order")

	// ErrAlreadyReleased rejects a second release of the same milestone.
	ErrAlreadyReleased = errors.New("escrow: milestone already released")

	// ErrNoArbitrator is returned when dispute resolution is requested on an
	// agreement created without an arbitrator.
	ErrNoArbitrator = errors.New("escrow: no arbitrator configured")

	// ErrInvalidOutcome rejects dispute resolutions other than release or
	// refund.
	ErrInvalidOutcome = errors.New("escrow: invalid resolution outcome")

	// ErrArithmeticOverflow is returned when balance arithmetic would exceed
	// the maximum representable amount instead of wrapping.
	ErrArithmeticOverflow = errors.New("escrow: arithmetic overflow")

	// ErrArithmeticUnderflow is returned when balance arithmetic would drop
	// below zero instead of wrapping.
	ErrArithmeticUnderflow = errors.New("escrow: arithmetic underflow")
)
