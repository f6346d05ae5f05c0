package sdruntime

import "testing"

func TestRandomSeed(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		s := RandomSeed()
		if s < 0 {
			t.Fatalf("RandomSeed() = %d, want non-negative", s)
		}
		seen[s] = true
	}
	if len(seen) < 95 {
		t.Errorf("only %d distinct seeds in 100 draws", len(seen))
	}
}

func TestResolveSeed(t *testing.T) {
	if got := ResolveSeed(1234); got != 1234 {
		t.Errorf("ResolveSeed(1234) = %d", got)
	}
	if got := ResolveSeed(-1); got < 0 {
		t.Errorf("ResolveSeed(-1) = %d, want non-negative", got)
	}
}
