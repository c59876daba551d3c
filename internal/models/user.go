package models

import "time"

// User is an authenticated account identified by a stable UUID. Email is
// unique; the UUID is what credentials carry so that email changes never
// invalidate outstanding sessions.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	TokensInvalidAfter *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
}
