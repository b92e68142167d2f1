package domain

import "time"

// UserRole distinguishes plain users from local administrators of a school.
type UserRole string

const (
	RoleUser       UserRole = "USER"
	RoleLocalAdmin UserRole = "LOCAL_ADMIN"
)

// UserStatus represents lifecycle states for an end-user.
type UserStatus string

const (
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusSuspended UserStatus = "SUSPENDED"
)

// User is the domain model for end-users who file tickets and the local
// administrators who escalate them.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         UserRole
	SchoolID     string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
