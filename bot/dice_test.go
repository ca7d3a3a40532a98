package bot

import "testing"

func TestRollDiceRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if n := RollDice(6, nil); n < 1 || n > 6 {
			t.Fatalf("RollDice(6) = %d, out of [1,6]", n)
		}
	}
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		seen[RollDice(20, nil)] = true
	}
	for _, n := range []int{1, 20} {
		if !seen[n] {
			t.Errorf("RollDice(20) never produced %d in 2000 rolls", n)
		}
	}
}

func TestRollDiceBounds(t *testing.T) {
	low := func(int) int { return 0 }
	high := func(n int) int { return n - 1 }
	if got := RollDice(6, low); got != 1 {
		t.Errorf("lowest roll = %d, want 1", got)
	}
	if got := RollDice(6, high); got != 6 {
		t.Errorf("highest roll = %d, want 6", got)
	}
}

func TestRollDiceNonPositiveUsesDefault(t *testing.T) {
	var sides []int
	record := func(n int) int {
		sides = append(sides, n)
		return 0
	}
	RollDice(0, record)
	RollDice(-4, record)
	for _, s := range sides {
		if s != DefaultSides {
			t.Errorf("sides = %d, want %d", s, DefaultSides)
		}
	}
}

func TestParseSides(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 6},
		{"NaN", 6},
		{"abc", 6},
		{"20", 20},
		{"+8", 8},
		{"12caras", 12},
		{"0", 6},
		{"-1", 6},
		{"-", 6},
		{"3.5", 3},
		{"99999999999999999999999", 6},
	}
	for _, tt := range tests {
		if got := ParseSides(tt.in); got != tt.want {
			t.Errorf("ParseSides(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMissingSidesBehavesLikeSix(t *testing.T) {
	var a, b int
	RollDice(diceSides("!dice"), func(n int) int { a = n; return 0 })
	RollDice(6, func(n int) int { b = n; return 0 })
	if a != b {
		t.Errorf("missing side count rolled d%d, want d%d", a, b)
	}
}
