package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BehaviorChanged     bool
	PersonalityChanged  bool // system_prompt changed
	VoiceChanged        bool
	BudgetTierChanged   bool
	AllowedUsersChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart — swapping
// provider credentials or the conversation engine mode requires a session
// restart and is intentionally not surfaced here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Behavior.SystemPrompt != new.Behavior.SystemPrompt {
		d.PersonalityChanged = true
		d.BehaviorChanged = true
	}
	if old.Behavior.Voice != new.Behavior.Voice {
		d.VoiceChanged = true
		d.BehaviorChanged = true
	}
	if old.Behavior.BudgetTier != new.Behavior.BudgetTier {
		d.BudgetTierChanged = true
		d.BehaviorChanged = true
	}
	if !equalStringSlices(old.Behavior.AllowedUsers, new.Behavior.AllowedUsers) {
		d.AllowedUsersChanged = true
		d.BehaviorChanged = true
	}

	return d
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
