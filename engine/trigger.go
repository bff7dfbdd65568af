package engine

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser validates standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateTrigger rejects an unparseable cron schedule, or an event
// trigger with no event name, at function-registration time, before it
// ever reaches the Executor.
func ValidateTrigger(t Trigger) error {
	if t.Cron != "" {
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return fmt.Errorf("engine: invalid cron trigger %q: %w", t.Cron, err)
		}
		return nil
	}
	if t.Event == "" {
		return fmt.Errorf("engine: trigger must set event or cron")
	}
	return nil
}

// ValidateFunctionConfig checks a function definition's id, triggers, and
// retry count.
func ValidateFunctionConfig(fn *FunctionConfig) error {
	if fn.ID == "" {
		return fmt.Errorf("engine: function id is required")
	}
	if len(fn.Triggers) == 0 {
		return fmt.Errorf("engine: function %q has no triggers", fn.ID)
	}
	for _, t := range fn.Triggers {
		if err := ValidateTrigger(t); err != nil {
			return fmt.Errorf("engine: function %q: %w", fn.ID, err)
		}
	}
	if fn.Retries < 0 || fn.Retries > 20 {
		return fmt.Errorf("engine: function %q retries must be in 0-20", fn.ID)
	}
	return nil
}
