package util

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import "strings"

// NormalizeIdentity derives the stable resource identity from a raw URL
// string. Two requests whose identities compare equal are considered
// duplicates by the admission table, so the normalization must be cheap
// and deterministic: strip the scheme, drop a trailing slash, lowercase
// the host portion.
func NormalizeIdentity(rawURL string) string {
	id := rawURL
	if strings.HasPrefix(id, "https://") {
		id = id[8:]
	} else if strings.HasPrefix(id, "http://") {
		id = id[7:]
	}
	id = strings.TrimSuffix(id, "/")

	// Lowercase only the host; paths on tile servers are case-sensitive.
	if slash := strings.IndexByte(id, '/'); slash >= 0 {
		return strings.ToLower(id[:slash]) + id[slash:]
	}
	return strings.ToLower(id)
}

// HostOf extracts the host part of a resource identity produced by
// NormalizeIdentity. Used by the network-health tracker, which keys its
// state per host rather than per resource.
func HostOf(identity string) string {
	if slash := strings.IndexByte(identity, '/'); slash >= 0 {
		identity = identity[:slash]
	}
	if colon := strings.IndexByte(identity, ':'); colon >= 0 {
		identity = identity[:colon]
	}
	return identity
}

// SanitizeFilename creates a filesystem-safe filename from a URL or other string.
// Replaces common problematic characters with underscores and limits length.
// Performance is not critical for this setup utility.
func SanitizeFilename(input string) string {
	// Replace problematic characters with underscore.
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, input)
	// Limit filename length to avoid OS issues.
	maxLength := 100 // Arbitrary limit
	if len(replaced) > maxLength {
		return replaced[:maxLength]
	}
	return replaced
}
