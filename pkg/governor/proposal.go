package governor

// phaseStep describes one rung of the graduated autonomy ladder: the
// command types a phase unlocks, and how long it must run before the next
// expansion may be proposed.
type phaseStep struct {
	from                 string
	to                   string
	addedCommandTypes    []string
	validationPeriodDays int
}

var phaseLadder = []phaseStep{
	{from: PhaseL3, to: PhaseL3P, addedCommandTypes: []string{"SET_POWER", "SET_FAN"}, validationPeriodDays: 14},
	{from: PhaseL3P, to: PhaseL4, addedCommandTypes: []string{"SET_DRUM", "SET_AIRFLOW"}, validationPeriodDays: 21},
	{from: PhaseL4, to: PhaseL4P, addedCommandTypes: []string{"PREHEAT", "COOLING_CYCLE"}, validationPeriodDays: 30},
	{from: PhaseL4P, to: PhaseL5, addedCommandTypes: []string{"EMERGENCY_SHUTDOWN", "ABORT"}, validationPeriodDays: 60},
}

func nextPhaseStep(currentPhase string) (phaseStep, bool) {
	for _, step := range phaseLadder {
		if step.from == currentPhase {
			return step, true
		}
	}
	return phaseStep{}, false
}

// approversForPhase scales the required sign-off roster with how far the
// expansion reaches: each rung adds one more stakeholder rather than
// replacing the previous set.
func approversForPhase(toPhase string) []string {
	approvers := []string{"tech-lead"}
	switch toPhase {
	case PhaseL4:
		approvers = append(approvers, "ops-lead")
	case PhaseL4P:
		approvers = append(approvers, "ops-lead", "product-lead")
	case PhaseL5:
		approvers = append(approvers, "ops-lead", "product-lead", "exec-sponsor")
	}
	return approvers
}

// riskLevelFor scores a proposed expansion: anything short of the tight
// technical bar is medium risk, and the two highest rungs are never
// treated as low risk regardless of how clean the metrics look.
func riskLevelFor(toPhase string, m *AutonomyMetrics, readinessScore float64) string {
	risk := RiskLow
	if m.SuccessRate < 0.997 || m.ErrorRate > 0.02 || readinessScore < 0.97 {
		risk = RiskMedium
	}
	if toPhase == PhaseL4P || toPhase == PhaseL5 {
		risk = RiskMedium
	}
	return risk
}
