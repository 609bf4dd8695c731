package auth

import "errors"

// Authentication errors. Both map to 401 so a caller cannot tell a wrong
// token from a missing one by status alone.
var (
	ErrMissingToken = errors.New("admin token required (Authorization: Bearer or X-API-Key)")
	ErrInvalidToken = errors.New("invalid admin token")
)
