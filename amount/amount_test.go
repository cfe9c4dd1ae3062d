package amount

import "testing"

func TestNewFromFloat(t *testing.T) {
	cases := []struct {
		name    string
		f       float64
		unit    Unit
		want    Amount
		wantErr bool
	}{
		{"zero btc", 0, UnitBTC, 0, false},
		{"one btc", 1, UnitBTC, 100_000_000, false},
		{"fractional btc", 0.00005, UnitBTC, 5000, false},
		{"satoshi passthrough", 12345, UnitSatoshi, 12345, false},
		{"nan", nan(), UnitBTC, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := NewFromFloat(c.f, c.unit)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Fatalf("got %v want %v", got, c.want)
			}
		})
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestToBTC(t *testing.T) {
	a := Amount(100_000_000)
	if a.ToBTC() != 1.0 {
		t.Fatalf("got %v want 1.0", a.ToBTC())
	}
}

func TestMulRate(t *testing.T) {
	got := MulRate(Amount(2), 250)
	if got != 500 {
		t.Fatalf("got %v want 500", got)
	}
}

func TestString(t *testing.T) {
	if Amount(42).String() != "42 satoshi" {
		t.Fatalf("got %q", Amount(42).String())
	}
}
