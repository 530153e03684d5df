package util

// IsValidEnum reports whether value is empty or one of validValues.
// Empty means "filter not set" at the call sites.
func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
