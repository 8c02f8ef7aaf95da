// Package contact handles messages sent through the portfolio contact form.
package contact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// whitespace is every character browsers treat as white space in patterns and trim.
// RE2's \s only covers the ASCII ones.
const whitespace = `\t\n\v\f\r \x{a0}\x{1680}\x{2000}-\x{200a}\x{2028}\x{2029}\x{202f}\x{205f}\x{3000}\x{feff}`

var (
	emailPart    = `[^` + whitespace + `@]+`
	emailPattern = regexp.MustCompile(`^` + emailPart + `@` + emailPart + `\.` + emailPart + `$`)
)

func isWhitespace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', ' ', 0xa0, 0x1680, 0x2028, 0x2029, 0x202f, 0x205f, 0x3000, 0xfeff:
		return true
	}
	return r >= 0x2000 && r <= 0x200a
}

func trim(s string) string {
	return strings.TrimFunc(s, isWhitespace)
}

type Form struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Trimmed returns the form with surrounding whitespace removed from every field.
func (f Form) Trimmed() Form {
	return Form{
		Name:    trim(f.Name),
		Email:   trim(f.Email),
		Subject: trim(f.Subject),
		Message: trim(f.Message),
	}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate returns the problems with the form, in field order.
// Fields are trimmed before they are checked.
func Validate(f Form) []FieldError {
	f = f.Trimmed()
	var errs []FieldError
	if utf8.RuneCountInString(f.Name) < 2 {
		errs = append(errs, FieldError{"name", "Please enter your full name"})
	}
	if !emailPattern.MatchString(f.Email) {
		errs = append(errs, FieldError{"email", "Please enter a valid email address"})
	}
	if utf8.RuneCountInString(f.Subject) < 5 {
		errs = append(errs, FieldError{"subject", "Please enter a descriptive subject"})
	}
	if utf8.RuneCountInString(f.Message) < 10 {
		errs = append(errs, FieldError{"message", "Please enter a message with at least 10 characters"})
	}
	return errs
}
