package process

import (
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/farant/smaragda-sub002/internal/kernelerr"
)

var scheduleParser = buildScheduleParser()

func buildScheduleParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// NextOccurrence resolves a process trigger's natural-language schedule
// field (e.g. "every day at 9am", "tomorrow") relative to after. It is a
// pure function: the cron loop that would call it on a timer is out of
// scope here, but the resolution logic it depends on is exercised and
// tested in isolation.
func NextOccurrence(trigger map[string]any, after time.Time) (time.Time, bool, error) {
	schedule, _ := trigger["schedule"].(string)
	if schedule == "" {
		return time.Time{}, false, nil
	}
	result, err := scheduleParser.Parse(schedule, after)
	if err != nil {
		return time.Time{}, false, kernelerr.Wrap(kernelerr.ValidationError, err, "parse trigger schedule %q", schedule)
	}
	if result == nil {
		return time.Time{}, false, nil
	}
	return result.Time, true, nil
}
