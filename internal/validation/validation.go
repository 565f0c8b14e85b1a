// Package validation checks identifiers arriving from clients before they
// reach the registry or the filesystem.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Agent backends assign session ids; the format is theirs, but an id
	// still has to be safe to log and to embed in file names.
	sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// Backend and machine names come from local configuration.
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxSessionIDLength = 128

// ValidateSessionID checks a client-supplied session id. Ids are opaque
// strings minted by the agent, so the only requirements are printable and
// bounded.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session ID too long: %d characters", len(id))
	}
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

// ValidateBackendName checks a configured backend name.
func ValidateBackendName(name string) error {
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid backend name: %s", name)
	}
	return nil
}

// ValidateMachineID checks a client-supplied machine reference. Besides
// catalog names it accepts the "local" and "docker:<id>" forms.
func ValidateMachineID(id string) error {
	if id == "" || id == "local" {
		return nil
	}
	if rest, ok := strings.CutPrefix(id, "docker:"); ok {
		return validateContainerID(rest)
	}
	if !nameRegex.MatchString(id) {
		return fmt.Errorf("invalid machine ID: %s", id)
	}
	return nil
}

// validateContainerID checks a container reference (hex string, possibly
// shortened).
func validateContainerID(id string) error {
	if len(id) < 12 || len(id) > 64 {
		return fmt.Errorf("invalid container ID length: %s", id)
	}
	for _, c := range id {
		isDigit := c >= '0' && c <= '9'
		isHex := (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isDigit && !isHex {
			return fmt.Errorf("invalid container ID format: %s", id)
		}
	}
	return nil
}
