package crm

import (
	"fmt"
	"strings"
)

// NormalizeEmail canonicalizes an email address for identity comparison.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone reduces a phone number to bare digits. Eleven-digit numbers
// with a leading country code 1 are folded to the ten-digit national form so
// "+1 (702) 555-0100" and "702-555-0100" share an identity.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// normalizeInput folds shorthand email/phone strings into the structured
// multi-value lists and canonicalizes every identifier. Duplicates after
// normalization collapse to one entry.
func normalizeInput(in PersonInput) PersonInput {
	if e := NormalizeEmail(in.Email); e != "" {
		in.Emails = append([]Email{{Value: e, Type: "primary"}}, in.Emails...)
		in.Email = ""
	}
	if p := NormalizePhone(in.Phone); p != "" {
		in.Phones = append([]Phone{{Value: p, Type: "primary"}}, in.Phones...)
		in.Phone = ""
	}

	seenEmail := make(map[string]bool, len(in.Emails))
	emails := in.Emails[:0]
	for _, e := range in.Emails {
		v := NormalizeEmail(e.Value)
		if v == "" || seenEmail[v] {
			continue
		}
		seenEmail[v] = true
		e.Value = v
		emails = append(emails, e)
	}
	in.Emails = emails

	seenPhone := make(map[string]bool, len(in.Phones))
	phones := in.Phones[:0]
	for _, p := range in.Phones {
		v := NormalizePhone(p.Value)
		if v == "" || seenPhone[v] {
			continue
		}
		seenPhone[v] = true
		p.Value = v
		phones = append(phones, p)
	}
	in.Phones = phones

	return in
}

// primaryEmail returns the person's first email identity, normalized.
func primaryEmail(p Person) string {
	if len(p.Emails) == 0 {
		return ""
	}
	return NormalizeEmail(p.Emails[0].Value)
}

// primaryPhone returns the person's first phone identity, normalized.
func primaryPhone(p Person) string {
	if len(p.Phones) == 0 {
		return ""
	}
	return NormalizePhone(p.Phones[0].Value)
}

// filterFingerprint renders a filter into a canonical cache-key suffix. Two
// logically identical filters must render identically, so identifiers are
// normalized and fields appear in a fixed order.
func filterFingerprint(f ListFilter) string {
	return fmt.Sprintf("email=%s&phone=%s&stage=%s&tag=%s&limit=%d&offset=%d&next=%s",
		NormalizeEmail(f.Email), NormalizePhone(f.Phone), f.Stage, f.Tag,
		f.Limit, f.Offset, f.Cursor)
}
