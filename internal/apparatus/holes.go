package apparatus

import (
	"fmt"
	"strconv"
	"strings"
)

// NumHoles is the number of holes on the board. Holes 0-7 form the inner
// ring, 8-20 the outer ring.
const (
	NumHoles   = 21
	innerCount = 8
)

// HoleSpec selects a set of holes, either symbolically or as an explicit
// index list. The zero value selects nothing.
type HoleSpec struct {
	kind  holeSpecKind
	holes []int
}

type holeSpecKind int

const (
	holesNone holeSpecKind = iota
	holesAll
	holesInner
	holesOuter
	holesList
)

var (
	// NoHoles selects nothing.
	NoHoles = HoleSpec{kind: holesNone}
	// AllHoles selects every hole on the board.
	AllHoles = HoleSpec{kind: holesAll}
	// InnerHoles selects the inner ring, holes 0-7.
	InnerHoles = HoleSpec{kind: holesInner}
	// OuterHoles selects the outer ring, holes 8-20.
	OuterHoles = HoleSpec{kind: holesOuter}
)

// Holes selects an explicit set of hole indexes, kept in the given order.
func Holes(indexes ...int) HoleSpec {
	return HoleSpec{kind: holesList, holes: append([]int(nil), indexes...)}
}

// ParseHoleSpec understands the four keywords (all, inner, outer, none;
// case-insensitive) and comma-separated index lists like "0,5,10".
// Anything else is rejected.
func ParseHoleSpec(s string) (HoleSpec, error) {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "all":
		return AllHoles, nil
	case "inner":
		return InnerHoles, nil
	case "outer":
		return OuterHoles, nil
	case "none":
		return NoHoles, nil
	}
	if trimmed == "" {
		return HoleSpec{}, fmt.Errorf("apparatus: empty hole spec")
	}
	parts := strings.Split(trimmed, ",")
	indexes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return HoleSpec{}, fmt.Errorf("apparatus: unknown hole spec %q", s)
		}
		indexes = append(indexes, n)
	}
	return Holes(indexes...), nil
}

// Resolve expands the selection into concrete hole indexes, validating
// each against the board.
func (h HoleSpec) Resolve() ([]int, error) {
	switch h.kind {
	case holesNone:
		return nil, nil
	case holesAll:
		return holeRange(0, NumHoles), nil
	case holesInner:
		return holeRange(0, innerCount), nil
	case holesOuter:
		return holeRange(innerCount, NumHoles), nil
	case holesList:
		out := make([]int, len(h.holes))
		for i, idx := range h.holes {
			if idx < 0 || idx >= NumHoles {
				return nil, fmt.Errorf("apparatus: hole index %d out of range 0-%d", idx, NumHoles-1)
			}
			out[i] = idx
		}
		return out, nil
	default:
		return nil, fmt.Errorf("apparatus: invalid hole spec")
	}
}

func (h HoleSpec) String() string {
	switch h.kind {
	case holesNone:
		return "none"
	case holesAll:
		return "all"
	case holesInner:
		return "inner"
	case holesOuter:
		return "outer"
	default:
		parts := make([]string, len(h.holes))
		for i, v := range h.holes {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ",")
	}
}

func holeRange(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}
