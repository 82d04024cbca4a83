package slogging

import "strings"

// SanitizeLogMessage neutralizes user-controlled input before it reaches a log
// sink (CWE-117). Newlines, carriage returns, and tabs become spaces so a
// crafted message cannot forge additional log records.
func SanitizeLogMessage(message string) string {
	// Replace newlines with space
	message = strings.ReplaceAll(message, "\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")

	// Replace tabs with space
	message = strings.ReplaceAll(message, "\t", " ")

	// Collapse multiple spaces into one and trim whitespace
	message = strings.TrimSpace(strings.Join(strings.Fields(message), " "))

	// Return empty string if only whitespace remains
	if message == "" {
		return ""
	}

	return message
}
