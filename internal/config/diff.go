package config

import (
	"reflect"
	"strconv"
	"strings"

	logx "checkinbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. The Telegram token is never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}

	// Telegram (never log the token itself)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", newCfg.Scheduler.Spec),
			logx.String("scheduler.mode", newCfg.Scheduler.Mode),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if oldCfg.State != newCfg.State {
		changed = append(changed, "state")
		attrs = append(attrs, logx.String("state.path", newCfg.StatePath()))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if newCfg.Alerts != nil {
			attrs = append(attrs, logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))
		}
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
	}

	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets.count", len(newCfg.Targets)))
		if names := diffTargetNames(oldCfg.Targets, newCfg.Targets); names != "" {
			attrs = append(attrs, logx.String("targets.changed", names))
		}
	}

	return changed, attrs
}

// diffTargetNames names the target entries that were added, removed, or
// edited, capped so one sweeping config edit doesn't flood a log line.
func diffTargetNames(oldTs, newTs []TargetConfig) string {
	oldBy := make(map[string]TargetConfig, len(oldTs))
	for _, t := range oldTs {
		oldBy[t.Target] = t
	}
	newBy := make(map[string]TargetConfig, len(newTs))
	for _, t := range newTs {
		newBy[t.Target] = t
	}

	var names []string
	for _, t := range newTs {
		prev, ok := oldBy[t.Target]
		if !ok || !reflect.DeepEqual(prev, t) {
			names = append(names, t.Target)
		}
	}
	for _, t := range oldTs {
		if _, ok := newBy[t.Target]; !ok {
			names = append(names, t.Target+"(removed)")
		}
	}

	const maxNames = 8
	if len(names) > maxNames {
		rest := len(names) - maxNames
		names = append(names[:maxNames], "+"+strconv.Itoa(rest)+" more")
	}
	return strings.Join(names, ",")
}
