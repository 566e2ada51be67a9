package escrow

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Amounts are carried as big.Int for storage friendliness but every balance
// mutation flows through the checked helpers below, which bound values to
// 256 bits and refuse to wrap. Silent overflow on real value is a fund-loss
// vector, so the helpers fail loudly instead.

// validAmount reports whether v is a usable positive amount: non-nil,
// strictly positive, and representable in 256 bits.
func validAmount(v *big.Int) bool {
	if v == nil || v.Sign() <= 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

// checkedAdd returns a+b or ErrArithmeticOverflow when the sum does not fit
// 256 bits. Negative operands are rejected as overflow inputs since balances
// are never negative.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	x, err := toWord(a)
	if err != nil {
		return nil, err
	}
	y, err := toWord(b)
	if err != nil {
		return nil, err
	}
	sum := new(uint256.Int)
	if _, overflow := sum.AddOverflow(x, y); overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum.ToBig(), nil
}

// checkedSub returns a-b or ErrArithmeticUnderflow when b exceeds a.
func checkedSub(a, b *big.Int) (*big.Int, error) {
	x, err := toWord(a)
	if err != nil {
		return nil, err
	}
	y, err := toWord(b)
	if err != nil {
		return nil, err
	}
	diff := new(uint256.Int)
	if _, underflow := diff.SubOverflow(x, y); underflow {
		return nil, ErrArithmeticUnderflow
	}
	return diff.ToBig(), nil
}

// sumAmounts totals a milestone schedule with overflow checking.
func sumAmounts(amounts []*big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	for _, amount := range amounts {
		next, err := checkedAdd(total, amount)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

func toWord(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrArithmeticUnderflow
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return word, nil
}
