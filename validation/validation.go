package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Result is the outcome of a policy check. Messages lists every rule the
// value broke, in rule order, so callers can show them all at once.
type Result struct {
	Valid    bool     `json:"valid"`
	Messages []string `json:"messages,omitempty"`
}

func result(messages []string) Result {
	return Result{Valid: len(messages) == 0, Messages: messages}
}

// PasswordPolicy describes the composition rules for a password.
type PasswordPolicy struct {
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
	// Forbidden lists values (case-insensitive) that may not be used verbatim,
	// typically the username and email.
	Forbidden []string
}

// DefaultPasswordPolicy returns the policy applied to account passwords.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      10,
		MaxLength:      128,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
	}
}

// Password checks value against policy. Length is counted in runes.
func Password(value string, policy PasswordPolicy) Result {
	var messages []string

	n := utf8.RuneCountInString(value)
	if policy.MinLength > 0 && n < policy.MinLength {
		messages = append(messages, fmt.Sprintf("must be at least %d characters", policy.MinLength))
	}
	if policy.MaxLength > 0 && n > policy.MaxLength {
		messages = append(messages, fmt.Sprintf("must be at most %d characters", policy.MaxLength))
	}

	var upper, lower, digit, special, space bool
	for _, r := range value {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if policy.RequireUpper && !upper {
		messages = append(messages, "must contain an uppercase letter")
	}
	if policy.RequireLower && !lower {
		messages = append(messages, "must contain a lowercase letter")
	}
	if policy.RequireDigit && !digit {
		messages = append(messages, "must contain a digit")
	}
	if policy.RequireSpecial && !special {
		messages = append(messages, "must contain a special character")
	}
	if space {
		messages = append(messages, "must not contain whitespace")
	}
	for _, f := range policy.Forbidden {
		if f != "" && strings.EqualFold(value, f) {
			messages = append(messages, "must not match account identifiers")
			break
		}
	}
	return result(messages)
}

// PhonePolicy restricts accepted phone numbers.
type PhonePolicy struct {
	Required bool
	// AllowedCountryCodes lists calling codes without the plus sign, e.g.
	// "1" or "44". Empty allows every code.
	AllowedCountryCodes []string
}

// Phone checks that value is an E.164 number allowed by policy. An empty
// value is valid unless the policy requires one.
func Phone(value string, policy PhonePolicy) Result {
	if value == "" {
		if policy.Required {
			return result([]string{"phone number is required"})
		}
		return result(nil)
	}

	if err := validate.Var(value, "e164"); err != nil {
		return result([]string{"must be in E.164 format, e.g. +14155552671"})
	}
	if len(policy.AllowedCountryCodes) == 0 {
		return result(nil)
	}
	digits := strings.TrimPrefix(value, "+")
	for _, code := range policy.AllowedCountryCodes {
		if code != "" && strings.HasPrefix(digits, code) {
			return result(nil)
		}
	}
	return result([]string{"country code not accepted"})
}

// Struct runs the validate tags on v and flattens failures into a Result.
func Struct(v interface{}) Result {
	err := validate.Struct(v)
	if err == nil {
		return result(nil)
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return result([]string{err.Error()})
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, fieldMessage(fe))
	}
	return result(messages)
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	case "e164":
		return field + " must be in E.164 format"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
