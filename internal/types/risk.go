package types

import "fmt"

// RiskLevel is an ordered risk classification. The zero value means no risk
// was assigned.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "none"
	}
}

// Escalate returns the next level up, capped at critical.
func (r RiskLevel) Escalate() RiskLevel {
	if r >= RiskCritical {
		return RiskCritical
	}
	return r + 1
}

// ParseRiskLevel is the inverse of String.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "none", "":
		return RiskNone, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskNone, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}
