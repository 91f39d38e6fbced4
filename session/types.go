package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAuthRequired is returned when an operation needs a logged-in session
// and there is none.
var ErrAuthRequired = errors.New("not logged in")

// Identity is the user record returned by the login and profile endpoints.
type Identity struct {
	URL         string      `json:"url"`
	ID          json.Number `json:"id"`
	Username    string      `json:"username"`
	Email       string      `json:"email"`
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	IsStaff     bool        `json:"is_staff"`
	IsSuperuser bool        `json:"is_superuser"`
}

// Session is an identity plus the bearer token issued at login. It is
// stored as one flat JSON object, the shape the login endpoint returns.
type Session struct {
	Identity
	Token string `json:"token"`
}

// Valid reports whether the session carries a token.
func (s Session) Valid() bool {
	return s.Token != ""
}

// UpdateResult reports the outcome of a profile update.
type UpdateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// APIError is a non-success answer from one of the account endpoints.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// errorBody is the {"error": "..."} shape the API uses for failures.
type errorBody struct {
	Error string `json:"error"`
}
