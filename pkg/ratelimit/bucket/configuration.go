package bucket

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/vnykmshr/bucketflow/pkg/common/errors"
)

// Configuration is an immutable, validated, ordered set of bandwidths.
type Configuration struct {
	bandwidths []Bandwidth
}

// NewConfiguration validates bandwidths and builds a configuration.
// Invalid input yields a *errors.ValidationError.
func NewConfiguration(bandwidths ...Bandwidth) (*Configuration, error) {
	if len(bandwidths) == 0 {
		return nil, errors.NewValidationError("bucket", "bandwidths", 0, "at least one bandwidth is required")
	}

	guaranteed := -1
	ids := make(map[string]struct{}, len(bandwidths))
	for i, b := range bandwidths {
		if err := b.validate(i); err != nil {
			return nil, err
		}
		if b.ID != "" {
			if _, dup := ids[b.ID]; dup {
				return nil, errors.NewValidationError("bucket", "bandwidth.id", b.ID, "duplicate bandwidth id")
			}
			ids[b.ID] = struct{}{}
		}
		if b.Guaranteed {
			if guaranteed >= 0 {
				return nil, errors.NewValidationError("bucket", "bandwidths", len(bandwidths),
					"only one guaranteed bandwidth is allowed")
			}
			guaranteed = i
		}
	}

	for i, a := range bandwidths {
		for j := i + 1; j < len(bandwidths); j++ {
			b := bandwidths[j]
			switch {
			case a.Guaranteed:
				if !rateBelow(a, b) {
					return nil, guaranteedRateError(a)
				}
			case b.Guaranteed:
				if !rateBelow(b, a) {
					return nil, guaranteedRateError(b)
				}
			case overlaps(a, b):
				return nil, errors.NewValidationError("bucket", "bandwidths", describe(a, b),
					"bandwidths overlap").
					WithHint("a shorter period needs a smaller capacity than a longer one")
			}
		}
	}

	return &Configuration{bandwidths: append([]Bandwidth(nil), bandwidths...)}, nil
}

// MustConfiguration is like NewConfiguration but panics on invalid input.
func MustConfiguration(bandwidths ...Bandwidth) *Configuration {
	cfg, err := NewConfiguration(bandwidths...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Bandwidths returns a copy of the configured bandwidths.
func (c *Configuration) Bandwidths() []Bandwidth {
	return append([]Bandwidth(nil), c.bandwidths...)
}

// Len returns the number of bandwidths.
func (c *Configuration) Len() int {
	return len(c.bandwidths)
}

// Bandwidth returns the i-th bandwidth.
func (c *Configuration) Bandwidth(i int) Bandwidth {
	return c.bandwidths[i]
}

// Equal reports whether both configurations hold the same bandwidths in
// the same order.
func (c *Configuration) Equal(other *Configuration) bool {
	if c == nil || other == nil {
		return c == other
	}
	if len(c.bandwidths) != len(other.bandwidths) {
		return false
	}
	for i := range c.bandwidths {
		if c.bandwidths[i] != other.bandwidths[i] {
			return false
		}
	}
	return true
}

func (c *Configuration) String() string {
	var sb strings.Builder
	sb.WriteString("Configuration{")
	for i, b := range c.bandwidths {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(describeOne(b))
	}
	sb.WriteString("}")
	return sb.String()
}

// hasIDs reports whether every bandwidth carries an id.
func (c *Configuration) hasIDs() bool {
	for _, b := range c.bandwidths {
		if b.ID == "" {
			return false
		}
	}
	return true
}

// rateBelow reports whether the rate of g is strictly below the rate of l,
// comparing g.Tokens/g.Period < l.Tokens/l.Period without division.
func rateBelow(g, l Bandwidth) bool {
	gh, gl := bits.Mul64(uint64(g.Refill.Tokens), uint64(l.Refill.Period))
	lh, ll := bits.Mul64(uint64(l.Refill.Tokens), uint64(g.Refill.Period))
	return gh < lh || (gh == lh && gl < ll)
}

// overlaps reports whether one limited bandwidth makes the other redundant.
func overlaps(a, b Bandwidth) bool {
	if a.Refill.Period == b.Refill.Period {
		return true
	}
	if a.Refill.Period > b.Refill.Period {
		a, b = b, a
	}
	return a.Capacity >= b.Capacity
}

func guaranteedRateError(g Bandwidth) error {
	return errors.NewValidationError("bucket", "bandwidths", describeOne(g),
		"guaranteed rate must be below the rate of every limited bandwidth")
}

func describe(a, b Bandwidth) string {
	return describeOne(a) + " vs " + describeOne(b)
}

func describeOne(b Bandwidth) string {
	mode := "greedy"
	if b.Refill.Intervally {
		mode = "intervally"
	}
	s := "{capacity=" + strconv.FormatInt(b.Capacity, 10) + " refill=" + strconv.FormatInt(b.Refill.Tokens, 10) + "/" +
		b.Refill.Period.String() + " " + mode
	if b.ID != "" {
		s += " id=" + b.ID
	}
	if b.Guaranteed {
		s += " guaranteed"
	}
	return s + "}"
}
