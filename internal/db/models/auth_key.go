// auth_key.go defines the AuthKey model for permissioned registry credentials.
package models

import "time"

// AuthKey is an opaque credential with an attached permission set.
// Permissions is either the literal "all" or a comma-joined subset of
// {push, yank, unyank, fetch}.
type AuthKey struct {
	ID          int64     `json:"id" db:"id"`
	AuthKey     string    `json:"auth_key" db:"auth_key"`
	Permissions string    `json:"permissions" db:"permissions"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
