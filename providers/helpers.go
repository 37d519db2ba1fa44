package providers

import (
	"encoding/json"
	"strconv"
	"strings"
)

// String returns raw[key] as a string. Numbers are formatted without
// exponent so numeric IDs stay stable; other types yield "".
func (raw RawProfile) String(key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// FirstString returns the first non-empty value among keys.
func (raw RawProfile) FirstString(keys ...string) string {
	for _, k := range keys {
		if v := raw.String(k); v != "" {
			return v
		}
	}
	return ""
}

// Handle derives a username from a display name: lower-cased, with runs of
// whitespace replaced by underscores.
func Handle(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), "_"))
}

// RequireIdentity validates the fields every extractor must produce.
func RequireIdentity(p *CanonicalProfile) (*CanonicalProfile, error) {
	if p.Email == "" {
		return nil, ErrEmailNotProvided
	}
	if p.ExternalID == "" {
		return nil, ErrMissingExternalID
	}
	return p, nil
}
