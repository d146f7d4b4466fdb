// Package identify extracts candidate person-identifiers (emails, phone
// numbers, handles) from normalized text.
package identify

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/harborwell/intake-cli/internal/model"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Phone candidates: optional +country code, then 10-14 digits with
	// common separators. Validated digit count happens after stripping.
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{8,18}\d`)

	// Handles: @name tokens at a word boundary. The negative char class
	// keeps email local parts from matching twice.
	handleRe = regexp.MustCompile(`(?:^|[\s,;:([{"'])@([A-Za-z0-9_.\-]{2,30})`)

	nonDigitRe = regexp.MustCompile(`\D`)

	folder = cases.Fold()
)

// CanonicalEmail lowercases and unicode-normalizes an email address.
func CanonicalEmail(s string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(s)))
}

// CanonicalPhone strips separators, keeping digits and a leading +.
// Returns "" if the result has fewer than 10 digits.
func CanonicalPhone(s string) string {
	s = strings.TrimSpace(s)
	plus := strings.HasPrefix(s, "+")
	digits := nonDigitRe.ReplaceAllString(s, "")
	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	if plus {
		return "+" + digits
	}
	return digits
}

// CanonicalHandle lowercases a handle and strips any leading @.
func CanonicalHandle(s string) string {
	return folder.String(norm.NFKC.String(strings.TrimPrefix(strings.TrimSpace(s), "@")))
}

// Canonical normalizes an identifier value for its kind. Values compare
// equal after Canonical iff they are the same identifier.
func Canonical(kind model.IdentifierKind, value string) string {
	switch kind {
	case model.KindEmail:
		return CanonicalEmail(value)
	case model.KindPhone:
		return CanonicalPhone(value)
	case model.KindHandle:
		return CanonicalHandle(value)
	default:
		return strings.TrimSpace(value)
	}
}

// Extract scans text for candidate identifiers and returns them
// canonicalized and deduplicated, in first-seen order.
func Extract(text string) []model.Identifier {
	var out []model.Identifier
	seen := make(map[model.Identifier]bool)

	add := func(kind model.IdentifierKind, value string) {
		if value == "" {
			return
		}
		id := model.Identifier{Kind: kind, Value: value}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, m := range emailRe.FindAllString(text, -1) {
		add(model.KindEmail, CanonicalEmail(m))
	}

	// Mask emails before phone/handle scanning so digits in addresses and
	// the @domain part don't produce spurious matches.
	masked := emailRe.ReplaceAllString(text, " ")

	for _, m := range phoneRe.FindAllString(masked, -1) {
		add(model.KindPhone, CanonicalPhone(m))
	}

	for _, m := range handleRe.FindAllStringSubmatch(masked, -1) {
		h := strings.TrimRight(m[1], ".-")
		if len(h) >= 2 {
			add(model.KindHandle, CanonicalHandle(h))
		}
	}

	return out
}
