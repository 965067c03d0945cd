package normalize

import "strings"

// keywordStopWords are dose/form noise tokens and free-text filler that never
// identify a product on their own.
var keywordStopWords = map[string]bool{
	"MG": true, "ML": true, "MCG": true, "ER": true, "SR": true, "XR": true,
	"DR": true, "HCL": true, "SODIUM": true, "POTASSIUM": true, "TRY": true,
	"ALTERNATES": true, "IF": true, "FAILS": true, "BEFORE": true,
	"SAYING": true, "DOESNT": true, "WORK": true, "THE": true, "AND": true,
	"FOR": true, "WITH": true, "TO": true, "OF": true,
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// DrugKeywords tokenizes a drug name or recommendation string into searchable
// uppercase keywords: split on whitespace and punctuation, drop tokens of two
// characters or fewer, all-digit tokens, and stop words. An empty result means
// the string has no searchable identity.
func DrugKeywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		switch {
		case r >= 'A' && r <= 'Z':
			return false
		case r >= '0' && r <= '9':
			return false
		}
		return true
	})
	var out []string
	for _, tok := range fields {
		if len(tok) <= 2 || isAllDigits(tok) || keywordStopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// ContainsAny reports whether the uppercase haystack contains at least one of
// the given uppercase keywords as a substring. Substring position matching is
// used deliberately: drug names inline dose and form ("LISINOPRIL 10MG TAB"),
// and keywords may carry SQL wildcard characters ("DICLOFENAC 2%").
func ContainsAny(upperHaystack string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(upperHaystack, kw) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether the uppercase haystack contains every keyword.
func ContainsAll(upperHaystack string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if !strings.Contains(upperHaystack, kw) {
			return false
		}
	}
	return true
}

// UpperSet folds a keyword list to an uppercase, trimmed copy with empties
// removed.
func UpperSet(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		kw = strings.ToUpper(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
