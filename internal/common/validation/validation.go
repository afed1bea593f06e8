package validation

import "regexp"

var (
	emailPattern     = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern     = regexp.MustCompile(`^\+?[\d\s\-\(\)]{10,}$`)
	timeOfDayPattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)
)

// ValidateEmail validates email format
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidatePhone validates basic phone number format
func ValidatePhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// ValidateTimeOfDay validates an HH:mm clock time (quiet-hours boundaries).
func ValidateTimeOfDay(value string) bool {
	return timeOfDayPattern.MatchString(value)
}
