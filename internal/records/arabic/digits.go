package arabic

import "strings"

// Digit glyph tables. Arabic-Indic digits (U+0660-U+0669) appear on printed
// ID cards; Persian digits (U+06F0-U+06F9) show up in OCR output for the
// same glyphs depending on the recognizer's training set.
const (
	asciiDigits       = "0123456789"
	arabicIndicDigits = "٠١٢٣٤٥٦٧٨٩"
	persianDigits     = "۰۱۲۳۴۵۶۷۸۹"
)

var toASCII = func() map[rune]rune {
	m := make(map[rune]rune, 20)
	for i, r := range []rune(arabicIndicDigits) {
		m[r] = rune('0' + i)
	}
	for i, r := range []rune(persianDigits) {
		m[r] = rune('0' + i)
	}
	return m
}()

var toArabicIndic = func() map[rune]rune {
	m := make(map[rune]rune, 10)
	for i, r := range []rune(arabicIndicDigits) {
		m[rune('0'+i)] = r
	}
	return m
}()

// ToASCIIDigits converts Arabic-Indic and Persian digits to ASCII 0-9.
// All other characters pass through unchanged.
func ToASCIIDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if d, ok := toASCII[r]; ok {
			return d
		}
		return r
	}, s)
}

// ToArabicIndicDigits converts ASCII digits to Arabic-Indic glyphs for
// display. All other characters pass through unchanged.
func ToArabicIndicDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if d, ok := toArabicIndic[r]; ok {
			return d
		}
		return r
	}, s)
}

// DigitsOnly strips every non-ASCII-digit character after normalization.
// Used to canonicalize identifiers typed or OCR'd in either numeral system.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range ToASCIIDigits(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
