package recovery

// Strategy is a recovery action the engine can take in response to a
// report.
type Strategy string

const (
	StrategyRetry     Strategy = "retry"
	StrategyFallback  Strategy = "fallback"
	StrategyRollback  Strategy = "rollback"
	StrategyIsolate   Strategy = "isolate"
	StrategyRestart   Strategy = "restart"
	StrategyScaleDown Strategy = "scale_down"
)

// escalationLadder orders strategies from least to most drastic. When the
// model's predicted failure probability for the rule-selected strategy
// clears the confidence threshold, the engine moves one rung up this
// ladder rather than trusting the rule table as-is.
var escalationLadder = []Strategy{
	StrategyRetry, StrategyFallback, StrategyRollback,
	StrategyIsolate, StrategyRestart, StrategyScaleDown,
}

func ladderIndex(s Strategy) int {
	for i, v := range escalationLadder {
		if v == s {
			return i
		}
	}
	return -1
}

// escalate returns the next rung up the ladder from s, or the top rung if
// s is already there (or unrecognized).
func escalate(s Strategy) Strategy {
	i := ladderIndex(s)
	if i < 0 || i == len(escalationLadder)-1 {
		return StrategyScaleDown
	}
	return escalationLadder[i+1]
}

// selectStrategy picks a strategy by the fixed rule table in spec.md
// §4.7 step 4, keyed directly on severity and Category. Critical and
// fatal reports favor strategies that remove the failing unit from the
// live path (restart, isolate, scale_down, rollback); everything else
// favors strategies that keep it running (retry, fallback) unless the
// category signals persisted config is bad.
func selectStrategy(r Report) Strategy {
	if r.isCriticalOrFatal() {
		switch r.Category {
		case CategoryMemory:
			return StrategyRestart
		case CategorySecurity:
			return StrategyIsolate
		case CategoryPerf:
			return StrategyScaleDown
		default:
			return StrategyRollback
		}
	}

	switch r.Category {
	case CategoryCompile, CategoryIO, CategoryNetwork:
		return StrategyRetry
	case CategoryRuntime:
		return StrategyFallback
	case CategoryConfig:
		return StrategyRollback
	default:
		return StrategyRetry
	}
}

// decideStrategy runs the rule table, then overrides with one rung of
// escalation when the model's predicted failure probability for the
// rule-selected strategy clears confidenceThreshold. This is spec.md §4.7
// step 4's "overrides with the model's recommendation only above a
// configured confidence threshold", read as the model voting to escalate
// rather than naming an arbitrary strategy outright.
func decideStrategy(r Report, modelProbability, confidenceThreshold float64) Strategy {
	base := selectStrategy(r)
	if modelProbability > confidenceThreshold {
		return escalate(base)
	}
	return base
}
