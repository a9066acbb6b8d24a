package config

const redacted = "[REDACTED]"

// Secret holds a credential that must never reach logs or marshaled output.
// Use Reveal to obtain the real value.
type Secret string

// Reveal returns the underlying value.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML redacts the value, so Config.String and --generate-config
// never leak credentials.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
