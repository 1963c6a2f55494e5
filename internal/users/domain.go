// Package users manages login accounts from the admin surface.
package users

import (
	"time"

	"github.com/google/uuid"
)

// User is an account as listed to administrators.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
