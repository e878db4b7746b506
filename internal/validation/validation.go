// Package validation provides input sanitation and address validation for
// the escrow service.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// Input length limits applied before validation.
const (
	MaxAddressInput = 50
	MaxAmountInput  = 20
	MaxTextInput    = 100
)

// Address format bounds.
const (
	MinAddressLength = 48
	MaxAddressLength = 50
)

// AddressPrefixes are the recognised user-friendly address prefixes.
var AddressPrefixes = []string{"EQ", "UQ", "kQ", "0Q"}

var (
	ErrEmptyInput     = errors.New("empty input")
	ErrInvalidAddress = errors.New("invalid address format")
)

var (
	// addressBodyRegex matches the base64url remainder after the prefix
	addressBodyRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	// userIDRegex bounds opaque user identifiers used in URLs
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
)

// markup and quoting characters stripped from free text
const strippedChars = `<>"'(){}[]\`

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// UserParamMiddleware rejects malformed :user URL parameters early.
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user := c.Param("user"); user != "" && !IsValidUserID(user) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user",
				"message": "user id must be 1-64 characters of [A-Za-z0-9_.:-]",
			})
			return
		}
		c.Next()
	}
}

// IsValidUserID checks an opaque user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeInput trims whitespace, drops control characters and markup
// characters, and limits the result to maxLen runes.
func SanitizeInput(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(strippedChars, r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen])
	}
	return s
}

// IsValidAddress reports whether addr has a recognised prefix, a length
// within bounds and a base64url remainder. It performs no I/O.
func IsValidAddress(addr string) bool {
	if len(addr) < MinAddressLength || len(addr) > MaxAddressLength {
		return false
	}
	if !hasAddressPrefix(addr) {
		return false
	}
	return addressBodyRegex.MatchString(addr[2:])
}

func hasAddressPrefix(addr string) bool {
	for _, p := range AddressPrefixes {
		if strings.HasPrefix(addr, p) {
			return true
		}
	}
	return false
}

// CleanAddress sanitizes raw user text and validates what remains. The
// stripped form is always validated from scratch; input that would need
// truncation to fit is rejected rather than cut down to something valid.
func CleanAddress(raw string) (string, error) {
	addr := SanitizeInput(raw, MaxTextInput)
	if addr == "" {
		return "", ErrEmptyInput
	}
	if len([]rune(addr)) > MaxAddressInput {
		return "", ErrInvalidAddress
	}
	if !IsValidAddress(addr) {
		return "", ErrInvalidAddress
	}
	return addr, nil
}
