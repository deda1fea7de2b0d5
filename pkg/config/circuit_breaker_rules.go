package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CircuitBreakerRuleSpec is the on-disk representation of a
// governor.CircuitBreakerRule, loaded at startup.
type CircuitBreakerRuleSpec struct {
	Name          string `yaml:"name"`
	Enabled       bool   `yaml:"enabled"`
	Condition     string `yaml:"condition"`
	Window        string `yaml:"window"`
	Action        string `yaml:"action"`
	AlertSeverity string `yaml:"alert_severity"`
}

// CircuitBreakerRulesFile is the top-level YAML document shape.
type CircuitBreakerRulesFile struct {
	Rules []CircuitBreakerRuleSpec `yaml:"rules"`
}

// LoadCircuitBreakerRules reads and parses the YAML rules file at path.
// A missing file returns the built-in default rule set rather than an
// error, so a fresh deployment has sane behavior out of the box.
func LoadCircuitBreakerRules(path string) ([]CircuitBreakerRuleSpec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultCircuitBreakerRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading circuit breaker rules file %s: %w", path, err)
	}

	var doc CircuitBreakerRulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing circuit breaker rules file %s: %w", path, err)
	}
	return doc.Rules, nil
}

// DefaultCircuitBreakerRules returns the built-in rule set used when no
// rules file is configured.
func DefaultCircuitBreakerRules() []CircuitBreakerRuleSpec {
	return []CircuitBreakerRuleSpec{
		{
			Name:          "high-error-rate",
			Enabled:       true,
			Condition:     "errorRate > 0.05",
			Window:        "5m",
			Action:        "revert_to_l3",
			AlertSeverity: "critical",
		},
		{
			Name:          "rollback-spike",
			Enabled:       true,
			Condition:     "rollbackRate > 0.10",
			Window:        "15m",
			Action:        "pause_command_type",
			AlertSeverity: "warning",
		},
		{
			Name:          "critical-incident",
			Enabled:       true,
			Condition:     "incident.severity === \"critical\"",
			Window:        "1h",
			Action:        "alert_only",
			AlertSeverity: "critical",
		},
	}
}
