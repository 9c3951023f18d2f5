package jwt

import (
	"encoding/json"
	"time"
)

// Claims represents the validated token claims.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt *Time    `json:"exp,omitempty"`
	NotBefore *Time    `json:"nbf,omitempty"`
	IssuedAt  *Time    `json:"iat,omitempty"`
	JWTID     string   `json:"jti,omitempty"`

	// Extra holds non-standard claims.
	Extra map[string]interface{} `json:"-"`
}

// Time wraps time.Time for NumericDate JSON marshaling.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	t.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// Audience represents the aud claim, which can be a string or an array.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains checks if the audience contains a specific value.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ContainsAny checks if the audience contains any of the specified values.
func (a Audience) ContainsAny(auds ...string) bool {
	for _, aud := range auds {
		if a.Contains(aud) {
			return true
		}
	}
	return false
}

// GetClaim returns a claim value by name, standard claims first.
func (c *Claims) GetClaim(name string) (interface{}, bool) {
	switch name {
	case "iss":
		return c.Issuer, c.Issuer != ""
	case "sub":
		return c.Subject, c.Subject != ""
	case "aud":
		return []string(c.Audience), len(c.Audience) > 0
	case "exp":
		if c.ExpiresAt != nil {
			return c.ExpiresAt.Unix(), true
		}
		return nil, false
	case "nbf":
		if c.NotBefore != nil {
			return c.NotBefore.Unix(), true
		}
		return nil, false
	case "iat":
		if c.IssuedAt != nil {
			return c.IssuedAt.Unix(), true
		}
		return nil, false
	case "jti":
		return c.JWTID, c.JWTID != ""
	}

	if c.Extra != nil {
		v, ok := c.Extra[name]
		return v, ok
	}

	return nil, false
}

// GetStringClaim returns a claim value as a string.
func (c *Claims) GetStringClaim(name string) string {
	v, ok := c.GetClaim(name)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// ParseClaims parses claims from a decoded payload map.
func ParseClaims(data map[string]interface{}) (*Claims, error) {
	claims := &Claims{
		Extra: make(map[string]interface{}),
	}

	for key, value := range data {
		if !parseStandardClaim(claims, key, value) {
			claims.Extra[key] = value
		}
	}

	return claims, nil
}

func parseStandardClaim(claims *Claims, key string, value interface{}) bool {
	switch key {
	case "iss":
		if s, ok := value.(string); ok {
			claims.Issuer = s
		}
		return true
	case "sub":
		if s, ok := value.(string); ok {
			claims.Subject = s
		}
		return true
	case "aud":
		claims.Audience = parseAudience(value)
		return true
	case "exp":
		if t := parseTime(value); t != nil {
			claims.ExpiresAt = t
		}
		return true
	case "nbf":
		if t := parseTime(value); t != nil {
			claims.NotBefore = t
		}
		return true
	case "iat":
		if t := parseTime(value); t != nil {
			claims.IssuedAt = t
		}
		return true
	case "jti":
		if s, ok := value.(string); ok {
			claims.JWTID = s
		}
		return true
	default:
		return false
	}
}

func parseAudience(value interface{}) Audience {
	switch v := value.(type) {
	case string:
		return Audience{v}
	case []string:
		return Audience(v)
	case []interface{}:
		result := make(Audience, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

func parseTime(value interface{}) *Time {
	switch v := value.(type) {
	case float64:
		return &Time{Time: time.Unix(int64(v), 0)}
	case int64:
		return &Time{Time: time.Unix(v, 0)}
	case int:
		return &Time{Time: time.Unix(int64(v), 0)}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return &Time{Time: time.Unix(i, 0)}
		}
	default:
		return nil
	}
	return nil
}
