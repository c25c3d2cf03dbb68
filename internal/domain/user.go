// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrBadUserType        = errors.New("unknown user type")
)

type UserID string

// UserType distinguishes human participants from AI ones.
type UserType string

const (
	UserTypeHuman UserType = "human"
	UserTypeAI    UserType = "ai"
)

// ParseUserType maps a wire value onto a known type. Empty defaults to human.
func ParseUserType(s string) (UserType, error) {
	switch UserType(s) {
	case UserTypeHuman, UserTypeAI:
		return UserType(s), nil
	case "":
		return UserTypeHuman, nil
	}
	return "", ErrBadUserType
}

type User struct {
	ID          UserID   `json:"id"`
	DisplayName string   `json:"displayName"`
	Type        UserType `json:"userType"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(displayName string, kind UserType) (*User, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if kind == "" {
		kind = UserTypeHuman
	}
	return &User{ID: UserID(uuid.NewString()), DisplayName: displayName, Type: kind}, nil
}

func (u *User) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = name
	return nil
}
