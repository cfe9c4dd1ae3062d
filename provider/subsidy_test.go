package provider

import "testing"

func TestCalcBlockSubsidy(t *testing.T) {
	cases := []struct {
		height int64
		want   int64
	}{
		{0, 5_000_000_000},
		{210_000, 2_500_000_000},
		{630_000, 625_000_000},
	}
	for _, c := range cases {
		if got := CalcBlockSubsidy(c.height); int64(got) != c.want {
			t.Fatalf("height %d: got %d want %d", c.height, got, c.want)
		}
	}
}

func TestCalcBlockSubsidyNegativeHeight(t *testing.T) {
	if got := CalcBlockSubsidy(-1); int64(got) != 5_000_000_000 {
		t.Fatalf("got %d want 5000000000", got)
	}
}
