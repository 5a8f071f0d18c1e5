package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IsValidRole checks if a role is valid
func IsValidRole(role string) bool {
	validRoles := []string{"owner", "admin", "teacher", "student"}
	for _, validRole := range validRoles {
		if role == validRole {
			return true
		}
	}
	return false
}

// IsValidFileExtension checks if file extension is allowed
func IsValidFileExtension(filename string, allowedExtensions []string) bool {
	if filename == "" {
		return false
	}

	parts := strings.Split(filename, ".")
	if len(parts) < 2 {
		return false
	}

	ext := strings.ToLower(parts[len(parts)-1])

	for _, allowedExt := range allowedExtensions {
		if ext == strings.ToLower(allowedExt) {
			return true
		}
	}
	return false
}

// SanitizeString removes dangerous characters from string
func SanitizeString(input string) string {
	// Remove null bytes and control characters
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}

// ParseUintList parses "1, 2;3" style id lists, as typed into spreadsheet cells.
func ParseUintList(raw string) ([]uint, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '|'
	})
	out := make([]uint, 0, len(fields))
	seen := make(map[uint]bool, len(fields))
	for _, field := range fields {
		n, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", field)
		}
		if !seen[uint(n)] {
			seen[uint(n)] = true
			out = append(out, uint(n))
		}
	}
	return out, nil
}

var flexibleDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"20060102",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseDateFlexible accepts the date formats staff actually type: ISO, Thai
// day-first, and compact. Years above 2400 are treated as Buddhist era.
func ParseDateFlexible(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range flexibleDateLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if t.Year() > 2400 {
			t = t.AddDate(-543, 0, 0)
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}
