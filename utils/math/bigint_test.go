package math

import (
	"math/big"
	"testing"
)

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name string
		x    int64
		y    int64
		den  int64
		want int64
	}{
		{"exact", 100, 3, 2, 150},
		{"truncates", 10, 1, 3, 3},
		{"zero denominator", 10, 10, 0, 0},
		{"zero input", 0, 500, 7, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulDiv(big.NewInt(tt.x), big.NewInt(tt.y), big.NewInt(tt.den))
			if got.Int64() != tt.want {
				t.Errorf("MulDiv(%d, %d, %d) = %v; want %d", tt.x, tt.y, tt.den, got, tt.want)
			}
		})
	}
}

func TestBpsRatio(t *testing.T) {
	// $2000 collateral vs $1000 debt is a 200% ratio.
	got := BpsRatio(big.NewInt(2000), big.NewInt(1000))
	if got.Int64() != 20000 {
		t.Errorf("BpsRatio(2000, 1000) = %v; want 20000", got)
	}

	if got := BpsRatio(big.NewInt(1), big.NewInt(0)); got.Sign() != 0 {
		t.Errorf("BpsRatio with zero denominator = %v; want 0", got)
	}
}

func TestDiscountPremium(t *testing.T) {
	amount := big.NewInt(10000)

	if got := Discount(amount, 500); got.Int64() != 9500 {
		t.Errorf("Discount(10000, 500) = %v; want 9500", got)
	}
	if got := Discount(amount, 10000); got.Sign() != 0 {
		t.Errorf("Discount(10000, 10000) = %v; want 0", got)
	}
	if got := Premium(amount, 1000); got.Int64() != 11000 {
		t.Errorf("Premium(10000, 1000) = %v; want 11000", got)
	}
}

func TestClone(t *testing.T) {
	x := big.NewInt(42)
	y := Clone(x)
	y.Add(y, big.NewInt(1))
	if x.Int64() != 42 {
		t.Errorf("Clone aliased its input: x = %v", x)
	}
	if got := Clone(nil); got.Sign() != 0 {
		t.Errorf("Clone(nil) = %v; want 0", got)
	}
}

func TestMinMax(t *testing.T) {
	a, b := big.NewInt(5), big.NewInt(9)
	if Min(a, b).Int64() != 5 {
		t.Error("Min(5, 9) != 5")
	}
	if Max(a, b).Int64() != 9 {
		t.Error("Max(5, 9) != 9")
	}
}
