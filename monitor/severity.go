package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/hangwatch/config"
)

// DefaultSeverity labels hangs that match no configured rule.
const DefaultSeverity = "minor"

type severityRule struct {
	name       string
	expression string
	program    *vm.Program
}

// Classifier assigns a severity to a finished hang. Rules see the variables
// duration and timeout in seconds and ratio, the duration divided by the
// timeout. The first rule evaluating to true wins.
type Classifier struct {
	rules []severityRule
}

// NewClassifier compiles the configured severity rules.
func NewClassifier(rules []config.SeverityRule) (*Classifier, error) {
	compiled := make([]severityRule, 0, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		expression := strings.TrimSpace(rule.When)
		if name == "" {
			return nil, fmt.Errorf("severity rule: name must not be empty")
		}
		if expression == "" {
			return nil, fmt.Errorf("severity %s: expression must not be empty", name)
		}
		program, err := expr.Compile(expression, expr.Env(severityEnv(0, 0)), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("severity %s: compile: %w", name, err)
		}
		compiled = append(compiled, severityRule{name: name, expression: expression, program: program})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify returns the name of the first matching rule or DefaultSeverity.
func (c *Classifier) Classify(duration, timeout time.Duration) (string, error) {
	if c == nil {
		return DefaultSeverity, nil
	}
	env := severityEnv(duration, timeout)
	for _, rule := range c.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return DefaultSeverity, fmt.Errorf("severity %s: %w", rule.name, err)
		}
		if matched, ok := out.(bool); ok && matched {
			return rule.name, nil
		}
	}
	return DefaultSeverity, nil
}

// Names lists the configured severities in evaluation order.
func (c *Classifier) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.rules))
	for _, rule := range c.rules {
		names = append(names, rule.name)
	}
	return names
}

func severityEnv(duration, timeout time.Duration) map[string]interface{} {
	ratio := 0.0
	if timeout > 0 {
		ratio = float64(duration) / float64(timeout)
	}
	return map[string]interface{}{
		"duration": duration.Seconds(),
		"timeout":  timeout.Seconds(),
		"ratio":    ratio,
	}
}
