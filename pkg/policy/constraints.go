package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// MaxAccess converts a COUNT constraint into the number of permitted
// accesses. Negative bounds are clamped to zero.
func MaxAccess(c contracts.Constraint) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(c.RightOperand.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("count bound %q: %w", c.RightOperand.Value, err)
	}
	if n < 0 {
		n = 0
	}
	switch c.Operator {
	case contracts.OpEQ, contracts.OpLTEQ:
		return n, nil
	case contracts.OpLT:
		if n == 0 {
			return 0, nil
		}
		return n - 1, nil
	default:
		return 0, nil
	}
}

// Interval is a usage window. Zero bounds are open.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether now lies strictly inside the window.
func (i Interval) Contains(now time.Time) bool {
	if !i.Start.IsZero() && !now.After(i.Start) {
		return false
	}
	if !i.End.IsZero() && !now.Before(i.End) {
		return false
	}
	return true
}

// ParseDate parses an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", s, err)
	}
	return t, nil
}

// Duration reads an ELAPSED_TIME constraint. The right operand must be typed
// xsd:duration.
func Duration(c contracts.Constraint) (time.Duration, error) {
	if c.RightOperand.Type != contracts.TypeDuration {
		return 0, fmt.Errorf("right operand type %q is not %s", c.RightOperand.Type, contracts.TypeDuration)
	}
	return ParseISODuration(c.RightOperand.Value)
}

// ParseISODuration parses the day-time subset of ISO 8601 durations
// ("P2DT3H4M5.5S", "-PT1M"). Years, months and weeks are rejected because
// they have no fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	neg := false
	if strings.HasPrefix(in, "-") {
		neg = true
		in = in[1:]
	} else if strings.HasPrefix(in, "+") {
		in = in[1:]
	}
	if !strings.HasPrefix(in, "P") || len(in) < 2 {
		return 0, fmt.Errorf("duration %q: missing P designator", s)
	}
	in = in[1:]

	var total time.Duration
	inTime := false
	seen := false
	num := ""
	for _, r := range in {
		switch {
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("duration %q: misplaced T", s)
			}
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("duration %q: designator %c without value", s, r)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", s, err)
			}
			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("duration %q: unsupported designator %c", s, r)
			}
			part := v * float64(unit)
			if part >= math.MaxInt64 || float64(total)+part >= math.MaxInt64 {
				return 0, fmt.Errorf("duration %q: out of range", s)
			}
			total += time.Duration(part)
			num = ""
			seen = true
		}
	}
	if num != "" || !seen {
		return 0, fmt.Errorf("duration %q: incomplete", s)
	}
	if neg {
		total = -total
	}
	return total, nil
}

// Endpoint returns the right operand of the first constraint, which names a
// connector or notification endpoint.
func Endpoint(r contracts.Rule) (string, error) {
	if len(r.Constraints) == 0 {
		return "", fmt.Errorf("rule %s has no endpoint constraint", r.ID)
	}
	v := strings.TrimSpace(r.Constraints[0].RightOperand.Value)
	if v == "" {
		return "", fmt.Errorf("rule %s has an empty endpoint", r.ID)
	}
	return v, nil
}

// RequiredSecurityProfile reads a SECURITY_LEVEL constraint.
func RequiredSecurityProfile(c contracts.Constraint) (contracts.SecurityProfile, error) {
	p := contracts.SecurityProfile(strings.TrimSpace(c.RightOperand.Value))
	if !p.Known() {
		return "", fmt.Errorf("unknown security profile %q", c.RightOperand.Value)
	}
	return p, nil
}

// DeletionDate returns the date of the first DELETE post duty, if any.
func DeletionDate(r contracts.Rule) (time.Time, bool, error) {
	for _, d := range r.PostDuties {
		for _, a := range d.Actions {
			if a != contracts.ActionDelete {
				continue
			}
			if len(d.Constraints) == 0 {
				return time.Time{}, false, nil
			}
			t, err := ParseDate(d.Constraints[0].RightOperand.Value)
			if err != nil {
				return time.Time{}, false, err
			}
			return t, true, nil
		}
	}
	return time.Time{}, false, nil
}
