package policy

import (
	"fmt"
	"strings"
)

// Mode decides what happens to rules no policy pattern recognises.
type Mode int

const (
	// ModeStrict rejects unrecognised rules.
	ModeStrict Mode = iota
	// ModePermissive passes unrecognised rules through.
	ModePermissive
)

func (m Mode) String() string {
	if m == ModePermissive {
		return "permissive"
	}
	return "strict"
}

// ParseMode accepts "strict" or "permissive". Empty means strict.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return ModeStrict, nil
	case "permissive":
		return ModePermissive, nil
	default:
		return ModeStrict, fmt.Errorf("unknown policy mode %q (want strict or permissive)", s)
	}
}
