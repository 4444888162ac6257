package account

import (
	"net/mail"
	"strings"
)

type ValidationError string

func (e ValidationError) Error() string { return string(e) }

type CreateAccountRequest struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (r CreateAccountRequest) Validate() error {
	return validateProfile(r.Username, r.Email)
}

// UpdateAccountRequest replaces the profile of an account. IsActive is kept
// as stored when omitted.
type UpdateAccountRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	IsActive  *bool  `json:"isActive"`
}

func (r UpdateAccountRequest) Validate() error {
	return validateProfile(r.Username, r.Email)
}

func validateProfile(username, email string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ValidationError("username is required")
	}
	if len(username) > 100 {
		return ValidationError("username must be at most 100 characters")
	}
	if email = strings.TrimSpace(email); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return ValidationError("email is invalid")
		}
	}
	return nil
}

type CreateRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r CreateRoleRequest) Validate() error {
	return validateRole(r.Name, r.Description)
}

type UpdateRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    *bool  `json:"isActive"`
}

func (r UpdateRoleRequest) Validate() error {
	return validateRole(r.Name, r.Description)
}

func validateRole(name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ValidationError("name is required")
	}
	if len(name) > 100 {
		return ValidationError("name must be at most 100 characters")
	}
	if len(strings.TrimSpace(description)) > 1000 {
		return ValidationError("description must be at most 1000 characters")
	}
	return nil
}
