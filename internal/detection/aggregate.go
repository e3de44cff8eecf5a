package detection

import "github.com/invisible-tech/privacy-telemetry-sensor/internal/types"

// combinedMethods is how many simultaneous methods escalate the aggregate.
const combinedMethods = 3

// AggregateRisk rolls up per-method risk for one page: the maximum level,
// escalated by one when combinedMethods or more methods are present.
func AggregateRisk(levels map[types.Method]types.RiskLevel) types.RiskLevel {
	top := types.RiskNone
	n := 0
	for _, lvl := range levels {
		if lvl == types.RiskNone {
			continue
		}
		n++
		if lvl > top {
			top = lvl
		}
	}
	if n >= combinedMethods {
		return top.Escalate()
	}
	return top
}

// AggregateVerdicts applies AggregateRisk to the detected verdicts, keeping
// the highest level per method.
func AggregateVerdicts(verdicts []types.Verdict) types.RiskLevel {
	levels := make(map[types.Method]types.RiskLevel)
	for _, v := range verdicts {
		if !v.Detected {
			continue
		}
		if v.RiskLevel > levels[v.Method] {
			levels[v.Method] = v.RiskLevel
		}
	}
	return AggregateRisk(levels)
}
