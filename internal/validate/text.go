package validate

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Field validation errors.
var (
	ErrEmpty           = errors.New("value is empty")
	ErrTooLong         = errors.New("value is too long")
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrInvalidCurrency = errors.New("currency must be a 3-letter ISO 4217 code")
	ErrInvalidURL      = errors.New("invalid URL format")
	ErrDisallowedHost  = errors.New("URL host not allowed")
)

// MaxCourseNameLength bounds the line item name sent to the processor.
const MaxCourseNameLength = 250

var (
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

// Email returns the lowercased, trimmed address or an error if it is malformed.
func Email(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmpty
	}
	// RFC 5321 limits
	if len(email) > 254 {
		return "", ErrTooLong
	}
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	local, _, _ := strings.Cut(email, "@")
	if len(local) > 64 {
		return "", ErrTooLong
	}
	return email, nil
}

// Currency normalizes a currency code to upper case. Empty input yields def.
func Currency(code, def string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = def
	}
	if !currencyPattern.MatchString(code) {
		return "", ErrInvalidCurrency
	}
	return strings.ToUpper(code), nil
}

// CourseName trims a course name and enforces its length bound.
func CourseName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(name) > MaxCourseNameLength {
		return "", ErrTooLong
	}
	return name, nil
}

// RedirectURL checks that raw is an absolute http(s) URL on the same host as
// base (or a subdomain of it). Processor redirects must never leave the site.
func RedirectURL(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if len(raw) > 2048 {
		return "", ErrTooLong
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", ErrInvalidURL
	}
	if u.User != nil || u.Hostname() == "" {
		return "", ErrInvalidURL
	}

	host := strings.ToLower(u.Hostname())
	allowed := strings.ToLower(base.Hostname())
	if host != allowed && !strings.HasSuffix(host, "."+allowed) {
		return "", ErrDisallowedHost
	}
	return u.String(), nil
}
