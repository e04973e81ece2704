// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contact extracts contact information (emails, phone numbers)
// from free text such as chat messages and retrieved page content.
//
// Extraction is pattern-based and deliberately permissive: candidates are
// cleaned and filtered afterwards (emails must have a plausible local part
// and domain, phones must carry at least 10 digits). Results are
// deduplicated preserving first-seen order so that responses are stable
// across runs.
package contact

import (
	"regexp"
	"strings"
)

// emailPatterns cover plain addresses, spaced-out addresses, and labeled
// forms like "email: sales@example.com". Patterns with a capture group
// yield the group; the rest yield the whole match.
var emailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`),
	regexp.MustCompile(`(?i)\b[a-zA-Z0-9._%-]+\s*@\s*[a-zA-Z0-9.-]+\s*\.\s*[a-zA-Z]{2,}\b`),
	regexp.MustCompile(`(?i)\b[a-zA-Z0-9]+[._-]*[a-zA-Z0-9]*@[a-zA-Z0-9]+[.-]*[a-zA-Z0-9]*\.[a-zA-Z]{2,}\b`),
	regexp.MustCompile(`(?i)[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`(?i)(?:email|mail|e-mail)\s*:?\s*([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
}

// phonePatterns cover US/Canada, international, separator, parenthesized,
// and labeled forms. The digit-count filter below rejects false positives
// from the broad labeled patterns.
var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`),
	regexp.MustCompile(`\+?[0-9]{1,4}[-.\s]?\(?[0-9]{3,4}\)?[-.\s]?[0-9]{3,4}[-.\s]?[0-9]{4,5}`),
	regexp.MustCompile(`(?i)\b(?:phone|tel|mobile|cell|contact)\s*:?\s*\+?[^\n]{7,60}\b`),
	regexp.MustCompile(`\b[0-9]{3}[-.\s][0-9]{3}[-.\s][0-9]{4}\b`),
	regexp.MustCompile(`\([0-9]{3}\)\s*[0-9]{3}[-.\s]?[0-9]{4}`),
	regexp.MustCompile(`(?i)(?:phone|tel|mobile|call)\s*:?\s*(\+?[0-9\s\-().]{7,20})`),
}

// contactKeywords classify a question as a contact-information query.
var contactKeywords = []string{
	"contact", "reach", "email", "phone", "call", "write", "get in touch",
	"customer service", "support", "help desk", "sales", "inquiry",
	"office", "headquarters", "location", "address", "visit", "how to contact",
	"contact us", "contact information", "contact details", "get hold of",
	"email address", "phone number", "contact via email", "send email",
}

var (
	emailTerms = []string{"email", "e-mail", "mail"}
	phoneTerms = []string{"phone", "call", "ring", "telephone", "mobile"}

	whitespaceRe   = regexp.MustCompile(`\s+`)
	nonPhoneRuneRe = regexp.MustCompile(`[^\d+]`)
)

// Info holds the contact details extracted from a block of text.
// Addresses is always present but currently never populated; it is kept
// so response shapes stay stable for API consumers.
type Info struct {
	Emails    []string `json:"emails"`
	Phones    []string `json:"phones"`
	Addresses []string `json:"addresses"`
}

// HasContact reports whether any contact channel was found.
func (i Info) HasContact() bool {
	return len(i.Emails) > 0 || len(i.Phones) > 0 || len(i.Addresses) > 0
}

// Extract pulls emails and phone numbers out of text.
// Empty or whitespace-only input yields an empty Info.
func Extract(text string) Info {
	info := Info{Emails: []string{}, Phones: []string{}, Addresses: []string{}}
	if strings.TrimSpace(text) == "" {
		return info
	}
	if emails := ExtractEmails(text); emails != nil {
		info.Emails = emails
	}
	if phones := ExtractPhones(text); phones != nil {
		info.Phones = phones
	}
	return info
}

// ExtractEmails returns the email addresses found in text, cleaned,
// lowercased, and deduplicated in first-seen order.
func ExtractEmails(text string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, p := range emailPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			candidate := m[0]
			if len(m) > 1 && m[1] != "" {
				candidate = m[1]
			}
			email := whitespaceRe.ReplaceAllString(strings.ToLower(candidate), "")
			email = strings.Trim(email, `.,;:!?()[]{}"'`)

			at := strings.Index(email, "@")
			if at <= 0 || len(email) <= 5 {
				continue
			}
			domain := email[at+1:]
			if len(domain) <= 2 || !strings.Contains(domain, ".") || strings.Count(email, "@") != 1 {
				continue
			}
			if _, dup := seen[email]; dup {
				continue
			}
			seen[email] = struct{}{}
			out = append(out, email)
		}
	}
	return out
}

// ExtractPhones returns the phone numbers found in text, deduplicated in
// first-seen order. The stored value is the raw matched text trimmed;
// a candidate counts only if it carries at least 10 digits.
func ExtractPhones(text string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, p := range phonePatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			candidate := m[0]
			if len(m) > 1 && m[1] != "" {
				candidate = m[1]
			}
			cleaned := nonPhoneRuneRe.ReplaceAllString(candidate, "")
			if len(cleaned) < 10 {
				continue
			}
			phone := strings.TrimSpace(candidate)
			if _, dup := seen[phone]; dup {
				continue
			}
			seen[phone] = struct{}{}
			out = append(out, phone)
		}
	}
	return out
}

// IsContactQuery reports whether a question is asking for contact
// information, by keyword membership on the lowercased question.
func IsContactQuery(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range contactKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// FormatResponse renders extracted contact info as a user-facing message.
//
// If the question asks specifically for email (or phone) and that channel
// was found, only that channel is shown; otherwise every found channel is
// listed. When nothing was found at all, the "not found" message names the
// channel the user asked for.
func FormatResponse(info Info, question string) string {
	q := strings.ToLower(question)
	askingEmail := containsAny(q, emailTerms)
	askingPhone := containsAny(q, phoneTerms)

	var parts []string
	switch {
	case askingEmail && len(info.Emails) > 0:
		parts = append(parts, "📧 **Email**: "+strings.Join(info.Emails, ", "))
	case askingPhone && len(info.Phones) > 0:
		parts = append(parts, "📞 **Phone**: "+strings.Join(info.Phones, ", "))
	default:
		if len(info.Emails) > 0 {
			parts = append(parts, "📧 **Email**: "+strings.Join(info.Emails, ", "))
		}
		if len(info.Phones) > 0 {
			parts = append(parts, "📞 **Phone**: "+strings.Join(info.Phones, ", "))
		}
		if len(info.Addresses) > 0 {
			parts = append(parts, "📍 **Address**: "+strings.Join(info.Addresses, ", "))
		}
	}

	if len(parts) > 0 {
		return "Here's the contact information I found:\n\n" + strings.Join(parts, "\n\n")
	}

	switch {
	case askingEmail:
		return "I couldn't find any email addresses in the available content. Try asking for general contact information or check for a contact page."
	case askingPhone:
		return "I couldn't find any phone numbers in the available content. Try asking for general contact information or check for a contact page."
	default:
		return "I couldn't find specific contact information in the available content. You might want to look for a contact page."
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
