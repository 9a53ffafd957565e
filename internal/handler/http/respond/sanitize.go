package respond

import "regexp"

var (
	// Twilio "AC...:token" credential pairs.
	twilioCredentialPattern = regexp.MustCompile(`AC[0-9a-fA-F]{32}:[0-9a-zA-Z]+`)
	bearerPattern           = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	// Passwords in DSNs and broker URLs.
	urlPasswordPattern = regexp.MustCompile(`://([^:/@]+):([^@]+)@`)
)

// SanitizeError returns the error message with credentials masked.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = twilioCredentialPattern.ReplaceAllString(msg, "AC****:****")
	msg = bearerPattern.ReplaceAllString(msg, "Bearer ****")
	msg = urlPasswordPattern.ReplaceAllString(msg, "://$1:****@")
	return msg
}
