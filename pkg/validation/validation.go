package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIdentifierLength = 128
	MaxUsernameLength   = 64
)

// IdentifierRegex matches user, conversation and call ids. Colons allow
// namespaced ids such as "team:alice".
var IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// ValidateIdentifier checks an opaque id supplied by a client.
func ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, MaxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateUsername checks a display name.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username is not valid UTF-8")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("username is too long (max %d characters)", MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return fmt.Errorf("username contains control characters")
		}
	}
	return nil
}

// ValidateParticipants checks the invitee list of a new call. The caller may
// appear in the list; it is not counted.
func ValidateParticipants(ids []string, self string, max int) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := ValidateIdentifier(id, "participant id"); err != nil {
			return err
		}
		if id != self {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return fmt.Errorf("at least one participant other than the caller is required")
	}
	if max > 0 && len(seen) > max {
		return fmt.Errorf("too many participants (max %d)", max)
	}
	return nil
}

// ValidateURL checks an http(s) or ws(s) endpoint.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL checks a stun:, turn: or turns: server URL.
func ValidateICEURL(urlStr string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(urlStr, scheme) {
			if len(urlStr) == len(scheme) {
				return fmt.Errorf("ICE server URL %q has no host", urlStr)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (must start with stun:, turn: or turns:)", urlStr)
}
