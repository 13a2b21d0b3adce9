package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Cardinality is a platform constraint on how many host groups may hold a
// component. It is parsed from "N", "N+", "A-B" or "ALL".
type Cardinality struct {
	raw   string
	exact int
	min   int
	max   int
	all   bool
}

// ParseCardinality parses a cardinality expression. The empty string means
// "any count", which is reported as "0+".
func ParseCardinality(expr string) (Cardinality, error) {
	s := strings.TrimSpace(expr)
	c := Cardinality{raw: s, exact: -1, min: -1, max: -1}

	switch {
	case s == "":
		c.raw = "0+"
		c.min = 0
	case strings.EqualFold(s, "ALL"):
		c.raw = "ALL"
		c.all = true
	case strings.HasSuffix(s, "+"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "+"))
		if err != nil || n < 0 {
			return Cardinality{}, fmt.Errorf("invalid cardinality %q", expr)
		}
		c.min = n
	case strings.Contains(s, "-"):
		parts := strings.SplitN(s, "-", 2)
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 0 || hi < lo {
			return Cardinality{}, fmt.Errorf("invalid cardinality %q", expr)
		}
		c.min, c.max = lo, hi
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Cardinality{}, fmt.Errorf("invalid cardinality %q", expr)
		}
		c.exact = n
	}
	return c, nil
}

// MustParseCardinality is ParseCardinality for trusted literals.
func MustParseCardinality(expr string) Cardinality {
	c, err := ParseCardinality(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// IsAll reports whether the component must be present in every host group.
func (c Cardinality) IsAll() bool {
	return c.all
}

// IsValidCount reports whether count instances satisfy the constraint.
// ALL cannot be checked with a count alone and always reports false.
func (c Cardinality) IsValidCount(count int) bool {
	switch {
	case c.all:
		return false
	case c.exact >= 0:
		return count == c.exact
	case c.max >= 0:
		return count >= c.min && count <= c.max
	default:
		return count >= c.min
	}
}

// SupportsAutoDeploy reports whether adding a single instance can satisfy
// the constraint.
func (c Cardinality) SupportsAutoDeploy() bool {
	return c.all || c.IsValidCount(1)
}

// String returns the normalized expression.
func (c Cardinality) String() string {
	return c.raw
}
