// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import "strings"

// maxSafeResourceIDLength caps sanitized resource ids used in collection
// names; record stores limit namespace lengths well above this, the cap
// just keeps names readable and leaves room for prefixes.
const maxSafeResourceIDLength = 80

// SafeResourceID converts a tenant resource id into a string safe to embed
// in a record-store collection name. Characters outside [a-zA-Z0-9._-] are
// replaced with underscores and the result is capped at 80 characters.
// Empty input yields "default".
func SafeResourceID(resourceID string) string {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return "default"
	}

	var b strings.Builder
	b.Grow(len(resourceID))
	for _, r := range resourceID {
		if isSafeNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	safe := b.String()
	if len(safe) > maxSafeResourceIDLength {
		safe = safe[:maxSafeResourceIDLength]
	}
	return safe
}

// SanitizeSessionBase strips every character outside [a-zA-Z0-9_-] from a
// resource id so it can prefix a generated session id. Unlike
// SafeResourceID it removes offending characters instead of replacing
// them, matching the session-id format consumed by downstream systems.
func SanitizeSessionBase(resourceID string) string {
	var b strings.Builder
	b.Grow(len(resourceID))
	for _, r := range resourceID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSafeNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}
