// Package auth signs identities in and out of cookie sessions and drives the
// lifecycle of their authorization engines.
package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// User represents an authenticated user account.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeEmail trims and lower-cases an address so lookups match the stored
// form regardless of how it was typed.
func NormalizeEmail(email string) string {
	// Casers keep state between calls and must not be shared.
	return cases.Lower(language.Und).String(strings.TrimSpace(email))
}
