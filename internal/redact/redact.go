// Package redact masks personally identifiable information in call
// transcripts before they reach any external model or storage layer.
//
// Masking is pure text substitution. Placeholders contain no digits or
// currency words, so applying a Masker to already-masked text is a no-op.
package redact

import (
	"regexp"
)

// Placeholder tokens substituted for masked spans.
const (
	PlaceholderPhone   = "[PHONE_NUMBER]"
	PlaceholderAmount  = "[AMOUNT]"
	PlaceholderName    = "[CUSTOMER_NAME]"
	PlaceholderAccount = "[ACCOUNT_NUMBER]"
)

var (
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b0\d{9}\b`),
		regexp.MustCompile(`\b\d{3}\s\d{3}\s\d{3}\b`),
		regexp.MustCompile(`\b\d{4}\s\d{3}\s\d{3}\b`),
	}

	amountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\d+\s*(Zig|ZWL|USD|Dollar|Dollars)\b`),
		regexp.MustCompile(`(?i)\b(Zig|ZWL|USD|Dollar|Dollars)\s*\d+\b`),
		regexp.MustCompile(`\$\d+`),
	}

	// Two or three capitalised words in a row. Crude, but transcripts
	// carry no speaker labels so this is the best signal available.
	namePattern = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+(?: [A-Z][a-z]+)?\b`)

	accountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{8,12}\b`),
		regexp.MustCompile(`\b[A-Z]{2}\d{6,10}\b`),
	}
)

// Masker rewrites transcript text with PII placeholders.
//
// The zero value is ready to use.
type Masker struct{}

// Mask returns text with phone numbers, monetary amounts, customer names
// and account numbers replaced by placeholders, along with the number of
// spans that were masked.
//
// The first capitalised full-name match is left intact: in a contact
// centre transcript the opening name is almost always the agent
// introducing themselves. This is a heuristic and will occasionally keep
// a customer name instead.
func (Masker) Mask(text string) (string, int) {
	masked := 0

	sub := func(re *regexp.Regexp, placeholder string) {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			masked++
			return placeholder
		})
	}

	for _, re := range phonePatterns {
		sub(re, PlaceholderPhone)
	}
	for _, re := range amountPatterns {
		sub(re, PlaceholderAmount)
	}

	first := true
	text = namePattern.ReplaceAllStringFunc(text, func(m string) string {
		if first {
			first = false
			return m
		}
		masked++
		return PlaceholderName
	})

	for _, re := range accountPatterns {
		sub(re, PlaceholderAccount)
	}

	return text, masked
}
