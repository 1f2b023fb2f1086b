package security

// AssuranceLevel is the system-wide authenticator assurance level. It gates
// which authentication mechanisms are accepted.
type AssuranceLevel string

const (
	Level1 AssuranceLevel = "LEVEL_1"
	Level2 AssuranceLevel = "LEVEL_2"
)

// Settings is the single persisted security configuration row.
type Settings struct {
	AssuranceLevel AssuranceLevel
	MaxLoginAttempts int
	TokenTTLSeconds  int
}

// Defaults returns the settings applied on first boot.
func Defaults() Settings {
	return Settings{
		AssuranceLevel:   Level1,
		MaxLoginAttempts: 5,
		TokenTTLSeconds:  600,
	}
}
