package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

const sessionIDLength = 8

// GenerateSessionID returns a short URL-safe random id, easy to read out or
// paste into a join screen.
func GenerateSessionID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure means the host is broken
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ValidateSessionID accepts both generated ids and host-chosen ones: 1-32
// characters from the URL-safe alphabet.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > 32 {
		return errors.New("Session id must be 1-32 characters")
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return errors.New("Session id may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}

func NormalizeSessionID(id string) string {
	return strings.TrimSpace(id)
}
