package moderation

import "unicode"

// longestRun returns the length of the longest run of one repeated
// character. RE2 has no backreferences, so this is a linear scan rather
// than a (.)\1{n,} pattern.
func longestRun(text string) int {
	longest, count := 0, 0
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
		} else {
			count = 1
			prev = r
		}
		longest = max(longest, count)
	}
	return longest
}

// symbolRatio returns the share of characters that are neither letters,
// digits nor whitespace. Letters and digits from any script count as
// alphanumeric.
func symbolRatio(text string) float64 {
	total, symbols := 0, 0
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total)
}
