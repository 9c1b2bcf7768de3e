// Package auth provides HTTP basic authentication against the users table.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/c0deirl/taskapp2/internal/database"
	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"
)

// EnsureInitialUser creates the bootstrap account if it does not exist yet.
func EnsureInitialUser(store database.Store, username, password string, logger *log.Logger) error {
	_, err := store.GetUser(username)
	if err == nil {
		logger.Debug("initial user exists", "username", username)
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := store.CreateUser(username, string(hash)); err != nil {
		return err
	}
	logger.Info("created initial user", "username", username)
	return nil
}

// Middleware rejects requests without valid basic-auth credentials.
func Middleware(store database.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok || username == "" {
				unauthorized(w, "Authentication required")
				return
			}
			user, err := store.GetUser(username)
			if err != nil {
				unauthorized(w, "Invalid credentials")
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
				unauthorized(w, "Invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="TaskMgr"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
