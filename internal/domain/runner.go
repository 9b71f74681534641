package domain

import "time"

// Runner is a remote worker registered with a registration token
type Runner struct {
	ID                        int64     `db:"id"`
	RunnerToken               string    `db:"runner_token"`
	Name                      string    `db:"name"`
	Description               *string   `db:"description"`
	IP                        string    `db:"ip"`
	LastContact               time.Time `db:"last_contact"`
	RunnerRegistrationTokenID int64     `db:"runner_registration_token_id"`
	CreatedAt                 time.Time `db:"created_at"`
	UpdatedAt                 time.Time `db:"updated_at"`
}

// RunnerRegistrationToken is an admin-issued capability that allows runners to register.
// It is reusable until an administrator deletes it.
type RunnerRegistrationToken struct {
	ID                     int64     `db:"id"`
	RegistrationToken      string    `db:"registration_token"`
	RegisteredRunnersCount int       `db:"registered_runners_count"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

// Token prefixes make leaked secrets recognisable
const (
	RunnerTokenPrefix       = "ptrt-"
	RegistrationTokenPrefix = "ptrrt-"
	JobTokenPrefix          = "ptrjt-"
)

// Runner field constraints
const (
	RunnerNameMaxLength        = 100
	RunnerDescriptionMaxLength = 1000
)
