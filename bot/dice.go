package bot

import (
	"math/rand/v2"
	"strconv"
	"strings"
)

// DefaultSides is used when the !dice argument is missing or unusable.
const DefaultSides = 6

// ParseSides reads the leading integer of arg the way a lenient parser
// would ("20", "+20", "20caras"). Anything that is not a positive integer
// yields DefaultSides.
func ParseSides(arg string) int {
	arg = strings.TrimSpace(arg)
	end := 0
	if end < len(arg) && (arg[end] == '+' || arg[end] == '-') {
		end++
	}
	digits := end
	for end < len(arg) && arg[end] >= '0' && arg[end] <= '9' {
		end++
	}
	if end == digits {
		return DefaultSides
	}
	n, err := strconv.Atoi(arg[:end])
	if err != nil || n <= 0 {
		return DefaultSides
	}
	return n
}

// RollDice returns a value in [1, sides]. Non-positive sides roll a d6.
// intn defaults to math/rand/v2.IntN.
func RollDice(sides int, intn func(int) int) int {
	if sides <= 0 {
		sides = DefaultSides
	}
	if intn == nil {
		intn = rand.IntN
	}
	return intn(sides) + 1
}

// diceSides extracts the side count from a trimmed "!dice ..." command.
func diceSides(command string) int {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return DefaultSides
	}
	return ParseSides(fields[1])
}
