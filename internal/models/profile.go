package models

import "time"

// Profile is a named set of personalization attributes owned by one user.
// Fields are typed with explicit unset representations (nil pointer or empty
// string) so the prompt composer never has to inspect dynamic values.
// At most one profile per user is active at a time.
type Profile struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Age             *int      `json:"age,omitempty"`
	Gender          string    `json:"gender,omitempty"`
	Region          string    `json:"region,omitempty"`
	IncomeBracket   string    `json:"income_bracket,omitempty"`
	InsuranceType   string    `json:"insurance_type,omitempty"`
	DisabilityGrade *int      `json:"disability_grade,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
