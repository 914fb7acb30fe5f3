package logging

import (
	"regexp"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Matches password=xxx, pwd=xxx, pass=xxx in connection strings.
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches bearer tokens providers hand out for OAuth sheet access.
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_.]+`)

	// Matches API keys embedded in URLs or error messages.
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|key)=[A-Za-z0-9-_]{16,}`)

	// Matches user:pass@host credentials in URLs.
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeURL removes credentials and API keys from a URL before logging.
// Provider adaptors put keys in query strings; never log those raw.
func SanitizeURL(url string) string {
	if url == "" {
		return ""
	}
	sanitized := apiKeyPattern.ReplaceAllString(url, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging any error from a provider HTTP call or the database.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeConfig returns a copy of a provider config map with secret-looking
// keys redacted, for safe structured logging of data source configuration.
func SanitizeConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}

	secretKeys := map[string]bool{
		"api_key":       true,
		"apikey":        true,
		"token":         true,
		"access_token":  true,
		"refresh_token": true,
		"password":      true,
		"secret":        true,
		"client_secret": true,
	}

	out := make(map[string]any, len(config))
	for k, v := range config {
		if secretKeys[k] {
			out[k] = RedactedText
		} else {
			out[k] = v
		}
	}
	return out
}
