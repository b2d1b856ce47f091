package ledger

import "testing"

func TestComputeCost(t *testing.T) {
	cases := []struct {
		name       string
		imageCount int
		want       int
	}{
		{"single image is free", 1, 0},
		{"two images", 2, 10},
		{"four images", 4, 20},
		{"eight images", 8, 40},
		{"zero treated as one", 0, 0},
		{"negative treated as one", -3, 0},
		{"large negative treated as one", -1 << 40, 0},
		{"large batch", 100000, 500000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeCost(tc.imageCount); got != tc.want {
				t.Fatalf("ComputeCost(%d) = %d, want %d", tc.imageCount, got, tc.want)
			}
		})
	}
}

func TestComputeCostInvalidEqualsSingle(t *testing.T) {
	single := ComputeCost(1)
	for _, n := range []int{0, -1, -100} {
		if got := ComputeCost(n); got != single {
			t.Fatalf("ComputeCost(%d) = %d, want same as ComputeCost(1) = %d", n, got, single)
		}
	}
}
