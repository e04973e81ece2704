// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for user-supplied values.
//
// This package contains validators for lead-capture fields (name, email,
// phone) and sanitizers for identifiers that end up in database collection
// names or session ids. Validator error messages are user-facing: the
// conversational layer returns them verbatim to the end user, so they are
// written as complete sentences rather than developer diagnostics.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	minNameLength  = 2
	maxNameLength  = 100
	minEmailLength = 5
	maxEmailLength = 254
	minPhoneLength = 7
	maxPhoneLength = 20
	minPhoneDigits = 10
)

// emailPattern is the overall shape an address must match before the
// structural local-part/domain checks run.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._%+-]*@[a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}$`)

// phonePatterns are the accepted phone shapes. A number passes if any one
// matches; the digit-count floor is enforced separately.
var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\+?1?\s*\(?[0-9]{3}\)?\s*[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}$`),                  // US/Canada: +1 (123) 456-7890
	regexp.MustCompile(`^\+?[0-9]{1,4}\s*\(?[0-9]{2,4}\)?\s*[-.\s]?[0-9]{3,4}[-.\s]?[0-9]{3,4}$`),    // international with area code
	regexp.MustCompile(`^[0-9]{10}$`),                                                               // bare 10 digits
	regexp.MustCompile(`^[0-9]{3}[-.\s][0-9]{3}[-.\s][0-9]{4}$`),                                    // 123-456-7890
	regexp.MustCompile(`^\([0-9]{3}\)\s*[0-9]{3}[-.\s]?[0-9]{4}$`),                                  // (123) 456-7890
	regexp.MustCompile(`^\+[0-9]{1,3}\s*[0-9]{9,12}$`),                                              // +CC then 9-12 digits
}

// ValidateName checks a person's name and returns the trimmed value.
//
// Rules:
//   - 2-100 characters after trimming
//   - at least one letter
//   - digits may make up at most 30% of the characters
//   - only letters, spaces, apostrophes, hyphens, and periods
//   - apostrophes/hyphens/periods may make up at most half the characters
//
// The returned error message is safe to show to an end user.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", errors.New("Name cannot be empty.")
	}

	name = strings.TrimSpace(name)
	runes := []rune(name)

	if len(runes) < minNameLength {
		return "", errors.New("Name must be at least 2 characters long.")
	}
	if len(runes) > maxNameLength {
		return "", errors.New("Name is too long (maximum 100 characters).")
	}

	hasLetter := false
	digitCount := 0
	specialCount := 0
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			digitCount++
		}
		switch r {
		case '\'', '-', '.':
			specialCount++
		}
	}

	if !hasLetter {
		return "", errors.New("Name must contain at least one letter.")
	}
	if float64(digitCount)/float64(len(runes)) > 0.3 {
		return "", errors.New("Name contains too many numbers. Please provide a valid name.")
	}
	for _, r := range runes {
		if !unicode.IsLetter(r) && r != ' ' && r != '\'' && r != '-' && r != '.' {
			return "", fmt.Errorf("Name contains invalid character: %q. Only letters, spaces, hyphens, apostrophes, and periods are allowed.", string(r))
		}
	}
	if specialCount > len(runes)/2 {
		return "", errors.New("Name contains too many special characters.")
	}

	return name, nil
}

// ValidateEmail checks an email address and returns it trimmed and
// lowercased. The overall shape must match emailPattern; the local part
// and domain are then checked structurally (length caps, no edge or
// consecutive dots, domain contains a dot).
func ValidateEmail(email string) (string, error) {
	if email == "" {
		return "", errors.New("Email cannot be empty.")
	}

	email = strings.ToLower(strings.TrimSpace(email))

	if len(email) < minEmailLength {
		return "", errors.New("Email is too short.")
	}
	if len(email) > maxEmailLength {
		return "", errors.New("Email is too long (maximum 254 characters).")
	}

	if !emailPattern.MatchString(email) {
		return "", errors.New("Invalid email format. Please provide a valid email address (e.g., user@example.com).")
	}

	if strings.Count(email, "@") != 1 {
		return "", errors.New("Email must contain exactly one @ symbol.")
	}

	at := strings.Index(email, "@")
	local, domain := email[:at], email[at+1:]

	if local == "" || len(local) > 64 {
		return "", errors.New("Invalid email format (local part issue).")
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		return "", errors.New("Email cannot start or end with a period.")
	}
	if strings.Contains(local, "..") {
		return "", errors.New("Email cannot contain consecutive periods.")
	}

	if len(domain) < 3 {
		return "", errors.New("Invalid email domain.")
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") ||
		strings.HasPrefix(domain, "-") || strings.HasSuffix(domain, "-") {
		return "", errors.New("Invalid email domain format.")
	}
	if strings.Contains(domain, "..") {
		return "", errors.New("Email domain cannot contain consecutive periods.")
	}
	if !strings.Contains(domain, ".") {
		return "", errors.New("Email domain must contain at least one period.")
	}

	return email, nil
}

// ValidatePhone checks a phone number and returns the trimmed value.
// The number must be 7-20 characters, match one of the accepted shapes,
// and contain at least 10 digit characters.
func ValidatePhone(phone string) (string, error) {
	if phone == "" {
		return "", errors.New("Phone number cannot be empty.")
	}

	phone = strings.TrimSpace(phone)

	if len(phone) < minPhoneLength {
		return "", errors.New("Phone number is too short (minimum 7 characters).")
	}
	if len(phone) > maxPhoneLength {
		return "", errors.New("Phone number is too long (maximum 20 characters).")
	}

	matched := false
	for _, p := range phonePatterns {
		if p.MatchString(phone) {
			matched = true
			break
		}
	}
	if !matched {
		return "", errors.New("Invalid phone number format. Please provide a valid phone number (e.g., +1-234-567-8900 or (123) 456-7890).")
	}

	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < minPhoneDigits {
		return "", errors.New("Phone number must contain at least 10 digits.")
	}

	return phone, nil
}
