package governor

import "time"

// minPhaseDurationDays is the minimum time a phase must have been active
// before it is eligible for expansion, keyed by the phase being assessed.
var minPhaseDurationDays = map[string]int{
	PhaseL3:  14,
	PhaseL3P: 21,
	PhaseL4:  30,
	PhaseL4P: 60,
	PhaseL5:  0,
}

// AssessReadiness scores three weighted checklists (technical, process,
// organizational) against the given metrics and governance context. The
// overall score is the sum of passing item weights divided by
// TotalMaxScore; the system is ready only once that score reaches 0.95
// and every required-but-failing item has been surfaced as a blocker.
func AssessReadiness(now time.Time, phase string, phaseStartDate time.Time, m *AutonomyMetrics, unresolvedEvents, pendingProposals int, circuitBreakerEnabled bool) *ReadinessReport {
	daysSincePhaseStart := int(now.Sub(phaseStartDate).Hours() / 24)

	technical := ReadinessCategory{
		Name:     "technical",
		MaxScore: TechnicalMaxScore,
		Items: []ReadinessItem{
			checkItem("error_rate_below_threshold", 10, true, m.ErrorRate < 0.02,
				"errorRate must stay below 0.02"),
			checkItem("success_rate_above_threshold", 10, true, m.SuccessRate >= 0.997,
				"successRate must reach at least 0.997"),
			checkItem("rollback_rate_below_threshold", 8, true, m.RollbackRate < 0.05,
				"rollbackRate must stay below 0.05"),
			checkItem("no_unresolved_circuit_breaker_events", 7, true, unresolvedEvents == 0,
				"every circuit breaker event must be resolved before expansion"),
		},
	}

	process := ReadinessCategory{
		Name:     "process",
		MaxScore: ProcessMaxScore,
		Items: []ReadinessItem{
			checkItem("minimum_phase_duration_met", 10, true, daysSincePhaseStart >= minPhaseDurationDays[phase],
				"the current phase must run for its minimum validation period"),
			checkItem("sufficient_sample_size", 8, true, m.TotalProposed >= 50,
				"at least 50 proposals are needed for a statistically sound assessment"),
			checkItem("scope_expansion_backlog_clear", 7, false, pendingProposals == 0,
				"no scope expansion proposal should be awaiting a decision"),
		},
	}

	organizational := ReadinessCategory{
		Name:     "organizational",
		MaxScore: OrganizationalMaxScore,
		Items: []ReadinessItem{
			checkItem("circuit_breaker_monitoring_enabled", 10, true, circuitBreakerEnabled,
				"circuit breaker monitoring must be enabled before expanding autonomy"),
			checkItem("phase_assigned", 10, true, phase != "",
				"the governance state must record an active phase"),
		},
	}

	technical.Score = categoryScore(technical.Items)
	process.Score = categoryScore(process.Items)
	organizational.Score = categoryScore(organizational.Items)

	overallScore := (technical.Score + process.Score + organizational.Score) / TotalMaxScore

	var blockers []string
	var recommendations []string
	for _, cat := range []ReadinessCategory{technical, process, organizational} {
		for _, item := range cat.Items {
			if item.Passed {
				continue
			}
			if item.Required {
				blockers = append(blockers, item.Name)
			}
			recommendations = append(recommendations, item.Details)
		}
	}

	ready := overallScore >= 0.95 && len(blockers) == 0

	return &ReadinessReport{
		Timestamp:       now,
		Phase:           phase,
		Technical:       technical,
		Process:         process,
		Organizational:  organizational,
		Overall:         ReadinessOverall{Score: overallScore, Ready: ready},
		Blockers:        blockers,
		Recommendations: recommendations,
	}
}

func checkItem(name string, weight float64, required, passed bool, details string) ReadinessItem {
	return ReadinessItem{Name: name, Weight: weight, Required: required, Passed: passed, Details: details}
}

func categoryScore(items []ReadinessItem) float64 {
	var score float64
	for _, item := range items {
		if item.Passed {
			score += item.Weight
		}
	}
	return score
}
