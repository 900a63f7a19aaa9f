// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gateway

import "strings"

// suffixMatchLen is how many trailing digits two identifiers must share to
// be considered the same line when one of them lacks a country prefix.
const suffixMatchLen = 8

// Dialplan canonicalizes phone identifiers the way the gateway expects them:
// bare digits with the country code in front, no "+". Gateways and address
// books disagree about prefixes constantly, so every identifier that crosses
// the package boundary goes through Normalize first.
type Dialplan struct {
	// CountryCode is prepended to national-length numbers, e.g. "1" or "52".
	CountryCode string
	// NationalNumberLen is the digit count of a local number without the
	// country code. Identifiers of exactly this length get CountryCode
	// prepended; anything shorter is treated as a short code and left alone.
	NationalNumberLen int
}

// DefaultDialplan matches NANP numbers: ten national digits under country
// code 1.
var DefaultDialplan = Dialplan{CountryCode: "1", NationalNumberLen: 10}

// Digits strips everything but digits from raw. Formatting characters,
// "tel:" prefixes, and the leading "+" all disappear.
func Digits(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "tel:")
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize canonicalizes a phone-like identifier while preserving
// short-code semantics (e.g. "24273" stays "24273", it does not gain a
// country code). An identifier that was written with an explicit "+" or "00"
// international prefix is trusted to already carry its country code.
func (d Dialplan) Normalize(raw string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "tel:")
	international := strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "00")
	cleaned := Digits(trimmed)
	if cleaned == "" {
		return ""
	}
	if international {
		return strings.TrimPrefix(cleaned, "00")
	}
	if d.NationalNumberLen > 0 && len(cleaned) == d.NationalNumberLen && d.CountryCode != "" {
		return d.CountryCode + cleaned
	}
	return cleaned
}

// SameContact reports whether two identifiers plausibly name the same line.
// Exact canonical equality wins; otherwise the trailing digits are compared,
// which absorbs the country-code disagreements between the gateway's push
// topics and locally entered numbers. Short codes only match exactly.
func (d Dialplan) SameContact(a, b string) bool {
	na, nb := d.Normalize(a), d.Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if len(na) < suffixMatchLen || len(nb) < suffixMatchLen {
		return false
	}
	return strings.HasSuffix(na, nb[len(nb)-suffixMatchLen:])
}
