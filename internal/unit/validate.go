package unit

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// extensionRe matches valid extension field names: all lowercase, at least
// two dot-separated segments after the "x-" prefix (e.g. x-com.example.myfield).
var extensionRe = regexp.MustCompile(`^x-[a-z0-9]+(\.[a-z0-9]+)+$`)

// ValidationError describes the first conformance failure found in a unit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a unit against every normative conformance rule and
// returns the first failure found, in field order. Validation is structural
// and syntactic; semantic consistency between a unit and its references is
// left to reasoning layers.
func Validate(u *Unit) error {
	if !IsUUIDv7(u.ID) {
		return invalid("id", "must be a valid UUIDv7 (RFC 9562), got %q", u.ID)
	}
	if !u.Kind.Valid() {
		return invalid("type", "unknown unit type %q", string(u.Kind))
	}
	if u.Content == "" {
		return invalid("content", "must not be empty")
	}
	if u.Author == "" {
		return invalid("author", "must not be empty")
	}
	if _, err := time.Parse(time.RFC3339, u.CreatedAt); err != nil {
		return invalid("created_at", "must be a valid ISO 8601 date-time, got %q", u.CreatedAt)
	}
	if u.Confidence != nil && (math.IsNaN(*u.Confidence) || *u.Confidence < 0.0 || *u.Confidence > 1.0) {
		return invalid("confidence", "must be between 0.0 and 1.0 inclusive, got %v", *u.Confidence)
	}
	if u.Assumptions != nil {
		if len(u.Assumptions) == 0 {
			return invalid("assumptions", "must contain at least one item when present")
		}
		for i, a := range u.Assumptions {
			if a == "" {
				return invalid("assumptions", "assumption at index %d must not be empty", i)
			}
		}
	}
	if u.References != nil {
		if len(u.References) == 0 {
			return invalid("references", "must contain at least one item when present")
		}
		for i, r := range u.References {
			if !IsUUIDv7(r.ID) {
				return invalid("references", "reference id at index %d must be a valid UUIDv7, got %q", i, r.ID)
			}
			if !r.Rel.Valid() {
				return invalid("references", "unknown rel %q at index %d", string(r.Rel), i)
			}
		}
	}
	if u.Visibility != "" && !u.Visibility.Valid() {
		return invalid("visibility", "unknown visibility %q; expected one of: public, network, limited", string(u.Visibility))
	}
	if u.EffectiveVisibility() == VisibilityLimited && len(u.Audience) == 0 {
		return invalid("audience", "must be a non-empty list when visibility is limited")
	}
	for k := range u.Extensions {
		if !extensionRe.MatchString(k) {
			return invalid(k, "extension field names must match x-<reverse-domain>.<name> (e.g. x-com.example.myfield) and be lowercase")
		}
	}
	return nil
}
