// Package normalize holds the value-normalization rules shared by the
// ingestor, the trigger evaluator, and the coverage scanner: claim export
// fields arrive in a dozen vendor formats and every component must agree on
// the canonical form.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Date parses the date formats seen in claim exports (MM/DD/YYYY, M/D/YYYY,
// M-D-YYYY, ISO, each with an optional time suffix) and returns the parsed
// day. The zero time and ok=false are returned for unparseable input.
func Date(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// Drop a time suffix ("01/02/2025 14:30" or "01/02/2025T14:30").
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	layouts := []string{"2006-01-02", "1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ISODate renders a parsed date as YYYY-MM-DD.
func ISODate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Amount parses a money or quantity field, stripping "$" and ",".
// Empty, non-numeric, and NaN inputs normalize to 0.
func Amount(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	// Accounting-style negatives: (12.34)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + s[1:len(s)-1]
	}
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// RoundCents rounds to two decimal places.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// BIN strips non-digits and left-pads short values to the canonical six
// digits. Empty input stays empty (cash claims carry no BIN). Values longer
// than six digits are kept whole: taking a suffix could collide with a real
// BIN, and an unrecognized value simply never matches coverage keys.
func BIN(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" || len(digits) >= 6 {
		return digits
	}
	return strings.Repeat("0", 6-len(digits)) + digits
}

// NDC strips hyphens. Codes that are not 11 digits after stripping are
// retained as-is; ok=false tells the caller to flag the value in the raw bag.
func NDC(s string) (string, bool) {
	stripped := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if stripped == "" {
		return "", true
	}
	if len(stripped) != 11 {
		return stripped, false
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return stripped, false
		}
	}
	return stripped, true
}

var honorifics = map[string]bool{
	"JR": true, "SR": true, "II": true, "III": true, "IV": true, "V": true,
	"MR": true, "MRS": true, "MS": true, "DR": true,
}

// PersonName splits a free-text patient or prescriber name into (first, last).
// "Last, First Middle" takes the comma form; otherwise the first token is the
// first name and the last token is the last name. Parenthesized suffixes like
// "(BP)" and honorifics are removed before parsing.
func PersonName(full string) (first, last string) {
	s := strings.TrimSpace(full)
	// Remove parenthesized annotations anywhere in the name.
	for {
		open := strings.Index(s, "(")
		if open < 0 {
			break
		}
		close := strings.Index(s[open:], ")")
		if close < 0 {
			s = strings.TrimSpace(s[:open])
			break
		}
		s = strings.TrimSpace(s[:open] + " " + s[open+close+1:])
	}
	clean := func(tokens []string) []string {
		out := tokens[:0]
		for _, tok := range tokens {
			t := strings.Trim(tok, ".,")
			if t == "" || honorifics[strings.ToUpper(t)] {
				continue
			}
			out = append(out, t)
		}
		return out
	}
	if comma := strings.Index(s, ","); comma >= 0 {
		lastTokens := clean(strings.Fields(s[:comma]))
		firstTokens := clean(strings.Fields(s[comma+1:]))
		if len(lastTokens) > 0 {
			last = strings.Join(lastTokens, " ")
		}
		if len(firstTokens) > 0 {
			first = firstTokens[0]
		}
		return first, last
	}
	tokens := clean(strings.Fields(s))
	switch len(tokens) {
	case 0:
		return "", ""
	case 1:
		return tokens[0], ""
	default:
		return tokens[0], tokens[len(tokens)-1]
	}
}

// PatientHash derives the stable identity digest for a patient:
// sha256 of "last, first|YYYY-MM-DD" with the name lowercased. When no name
// is available the hash degrades to the literal "rx:<rx_number>", making the
// patient effectively per-prescription.
func PatientHash(first, last, dobISO, rxNumber string) string {
	if strings.TrimSpace(first) == "" && strings.TrimSpace(last) == "" {
		return "rx:" + strings.TrimSpace(rxNumber)
	}
	key := fmt.Sprintf("%s, %s|%s",
		strings.ToLower(strings.TrimSpace(last)),
		strings.ToLower(strings.TrimSpace(first)),
		dobISO)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// conditionRules maps therapeutic-class substrings to inferred chronic
// conditions. Order matters only for readability; all matches accumulate.
var conditionRules = []struct {
	substrings []string
	condition  string
}{
	{[]string{"DIABETES", "INSULIN", "BIGUANIDE", "SULFONYLUREA"}, "Diabetes"},
	{[]string{"ACE INHIBITOR", "ARB", "ANTIHYPERTENSIVE", "BETA BLOCKER", "CALCIUM CHANNEL"}, "Hypertension"},
	{[]string{"STATIN", "CHOLESTEROL", "LIPID"}, "Hyperlipidemia"},
	{[]string{"ANTIDEPRESSANT", "SSRI", "SNRI"}, "Depression"},
	{[]string{"BRONCHODILATOR", "COPD", "ASTHMA"}, "COPD/Asthma"},
	{[]string{"ANTICOAGULANT", "BLOOD THINNER"}, "CVD"},
	{[]string{"THYROID"}, "Thyroid"},
	{[]string{"PROTON PUMP", "PPI", "GERD"}, "GERD"},
	{[]string{"HIV"}, "HIV"},
}

// Conditions infers chronic conditions from a therapeutic-class string.
func Conditions(therapeuticClass string) []string {
	tc := strings.ToUpper(therapeuticClass)
	if tc == "" {
		return nil
	}
	var out []string
	for _, rule := range conditionRules {
		for _, sub := range rule.substrings {
			if strings.Contains(tc, sub) {
				out = append(out, rule.condition)
				break
			}
		}
	}
	return out
}
