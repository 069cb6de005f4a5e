package phonetic

import (
	"regexp"
	"strings"
)

var (
	nonDigit      = regexp.MustCompile(`\D`)
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^225\d{10}$`),
		regexp.MustCompile(`^0\d{9}$`),
		regexp.MustCompile(`^\d{10}$`),
	}
)

// Phone is a validated Ivorian phone number.
type Phone struct {
	Formatted string `json:"formatted"`
	Digits    string `json:"cleanNumber"`
}

// ValidatePhone accepts 225XXXXXXXXXX, 0XXXXXXXXX and bare ten digit
// numbers in any punctuation, and formats them as +225...
func ValidatePhone(input string) (Phone, bool) {
	digits := nonDigit.ReplaceAllString(input, "")

	valid := false
	for _, p := range phonePatterns {
		if p.MatchString(digits) {
			valid = true
			break
		}
	}
	if !valid {
		return Phone{}, false
	}

	var formatted string
	switch {
	case strings.HasPrefix(digits, "225"):
		formatted = "+" + digits
	case strings.HasPrefix(digits, "0"):
		formatted = "+225" + digits[1:]
	default:
		formatted = "+225" + digits
	}
	return Phone{Formatted: formatted, Digits: digits}, true
}
