package account

import "time"

// Account is a local principal that can authenticate against the dispatcher.
type Account struct {
	ID           string
	Username     string
	FullName     string
	PasswordHash string // bcrypt
	TOTPSecret   string // base32, empty when 2FA is not enrolled
	Roles        []string
	Locked       bool
	Disabled     bool
	ExpiresAt    *time.Time
	FailedLogins int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TwoFactorEnrolled reports whether the account has a second factor.
func (a Account) TwoFactorEnrolled() bool { return a.TOTPSecret != "" }

// OnetimePassword is a single-use recovery password issued for an account.
type OnetimePassword struct {
	ID        string
	Username  string
	Hash      string // bcrypt
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}
