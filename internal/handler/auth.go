package handler

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const codeUnauthorized = "Unauthorized"

// Operator holds the credentials of the single operator allowed to use the
// API. The password is kept only as a bcrypt hash.
type Operator struct {
	Username     string
	PasswordHash []byte
}

// NewOperator hashes password for later comparison.
func NewOperator(username, password string) (Operator, error) {
	if username == "" || password == "" {
		return Operator{}, fmt.Errorf("operator username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Operator{}, fmt.Errorf("hash operator password: %w", err)
	}
	return Operator{Username: username, PasswordHash: hash}, nil
}

// RequireOperator is middleware that checks HTTP basic credentials against op.
func RequireOperator(op Operator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !op.check(user, pass) {
				if ok {
					slog.Warn("operator authentication failed", "username", user, "remote", r.RemoteAddr)
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="photograder", charset="UTF-8"`)
				writeMessage(w, r, http.StatusUnauthorized, codeUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (op Operator) check(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(op.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword(op.PasswordHash, []byte(pass)) == nil
	return userOK && passOK
}
