package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func validAgreement() *Agreement {
	return &Agreement{
		ID:         AgreementID(client, freelancer, 7),
		Client:     client,
		Freelancer: freelancer,
		Milestones: []*Milestone{
			{Index: 0, Amount: big.NewInt(100)},
			{Index: 1, Amount: big.NewInt(200)},
		},
		TotalAmount:     big.NewInt(300),
		DepositedAmount: big.NewInt(300),
		ReleasedAmount:  big.NewInt(100),
		RefundedAmount:  big.NewInt(0),
		Status:          StatusPartiallyReleased,
		Nonce:           7,
		CreatedAt:       1_700_000_000,
		UpdatedAt:       1_700_000_100,
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusFunded, StatusPartiallyReleased, StatusCompleted, StatusRefunded, StatusDisputed} {
		if !s.Valid() {
			t.Errorf("status %v must be valid", s)
		}
	}
	if Status(99).Valid() {
		t.Errorf("status 99 must be invalid")
	}
	if !StatusCompleted.Terminal() || !StatusRefunded.Terminal() {
		t.Errorf("completed and refunded are terminal")
	}
	if StatusDisputed.Terminal() || StatusFunded.Terminal() {
		t.Errorf("disputed and funded are not terminal")
	}
	if StatusPartiallyReleased.String() != "partially_released" {
		t.Errorf("string: got %s", StatusPartiallyReleased.String())
	}
}

func TestSanitizeAgreement(t *testing.T) {
	if _, err := SanitizeAgreement(nil); err == nil {
		t.Fatalf("nil agreement must fail")
	}

	sanitized, err := SanitizeAgreement(validAgreement())
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.TotalAmount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("total: got %s", sanitized.TotalAmount)
	}

	broken := validAgreement()
	broken.Client = broken.Freelancer
	if _, err := SanitizeAgreement(broken); !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("same parties: got %v", err)
	}

	broken = validAgreement()
	broken.Milestones = nil
	if _, err := SanitizeAgreement(broken); !errors.Is(err, ErrInvalidMilestones) {
		t.Fatalf("empty schedule: got %v", err)
	}

	broken = validAgreement()
	broken.Milestones[1].Amount = big.NewInt(0)
	if _, err := SanitizeAgreement(broken); !errors.Is(err, ErrInvalidMilestones) {
		t.Fatalf("zero milestone: got %v", err)
	}

	broken = validAgreement()
	broken.Milestones[1].Index = 5
	if _, err := SanitizeAgreement(broken); err == nil {
		t.Fatalf("index gap must fail")
	}

	broken = validAgreement()
	broken.TotalAmount = big.NewInt(999)
	if _, err := SanitizeAgreement(broken); err == nil {
		t.Fatalf("total mismatch must fail")
	}

	broken = validAgreement()
	broken.DepositedAmount = big.NewInt(301)
	if _, err := SanitizeAgreement(broken); !errors.Is(err, ErrOverFunding) {
		t.Fatalf("overfunded record: got %v", err)
	}

	broken = validAgreement()
	broken.ReleasedAmount = big.NewInt(301)
	if _, err := SanitizeAgreement(broken); err == nil {
		t.Fatalf("released beyond deposited must fail")
	}

	broken = validAgreement()
	broken.Status = Status(42)
	if _, err := SanitizeAgreement(broken); err == nil {
		t.Fatalf("invalid status must fail")
	}
}

func TestAgreementCloneIsDeep(t *testing.T) {
	original := validAgreement()
	clone := original.Clone()
	clone.Milestones[0].Amount.SetInt64(999)
	clone.DepositedAmount.SetInt64(0)
	if original.Milestones[0].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("clone shares milestone amounts")
	}
	if original.DepositedAmount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("clone shares deposited amount")
	}
}

func TestNextUnreleased(t *testing.T) {
	agreement := validAgreement()
	if got := agreement.NextUnreleased(); got != 0 {
		t.Fatalf("next: got %d, want 0", got)
	}
	agreement.Milestones[0].Released = true
	if got := agreement.NextUnreleased(); got != 1 {
		t.Fatalf("next: got %d, want 1", got)
	}
	agreement.Milestones[1].Voided = true
	if got := agreement.NextUnreleased(); got != -1 {
		t.Fatalf("next: got %d, want -1", got)
	}
}

func TestRemainingHeld(t *testing.T) {
	agreement := validAgreement()
	held, err := agreement.RemainingHeld()
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if held.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("held: got %s, want 200", held)
	}
	agreement.ReleasedAmount = big.NewInt(301)
	if _, err := agreement.RemainingHeld(); !errors.Is(err, ErrArithmeticUnderflow) {
		t.Fatalf("got %v, want ErrArithmeticUnderflow", err)
	}
}
