package privacy

import (
	"regexp"
	"strings"
)

var (
	// Runs of 14+ digits, optionally separated by spaces or dashes.
	cardRe  = regexp.MustCompile(`\d(?:[ -]?\d){13,}`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// HeuristicDetector is the default Luhn+regexp detector. It will both
// under- and over-match (any 14+ digit run passing Luhn counts as a card);
// that looseness is intentional and documented.
type HeuristicDetector struct{}

func (HeuristicDetector) Detect(text string) []Kind {
	var kinds []Kind
	for _, match := range cardRe.FindAllString(text, -1) {
		if luhnValid(digitsOnly(match)) {
			kinds = append(kinds, KindCreditCard)
			break
		}
	}
	if ssnRe.MatchString(text) {
		kinds = append(kinds, KindSSN)
	}
	if emailRe.MatchString(text) {
		kinds = append(kinds, KindEmail)
	}
	return kinds
}

func (HeuristicDetector) Redact(text string) string {
	out := cardRe.ReplaceAllStringFunc(text, func(match string) string {
		if luhnValid(digitsOnly(match)) {
			return RedactionToken
		}
		return match
	})
	return ssnRe.ReplaceAllString(out, RedactionToken)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid checks the Luhn checksum over a digit string.
func luhnValid(digits string) bool {
	if len(digits) < 14 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
