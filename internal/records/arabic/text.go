package arabic

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks (Arabic diacritics are category Mn).
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Formatting characters the recognizer leaks into text fields:
// tatweel, zero-width joiners, BOM, and bidi controls.
var formattingRunes = map[rune]bool{
	'\u0640': true, // tatweel
	'\u200b': true, '\u200c': true, '\u200d': true, '\ufeff': true, // zero-width, BOM
	'\u200e': true, '\u200f': true, // bidi marks
	'\u202a': true, '\u202b': true, '\u202c': true, '\u202d': true, '\u202e': true, // bidi embeddings
	'\u2066': true, '\u2067': true, '\u2068': true, '\u2069': true, // bidi isolates
}

// Letter-variant unification: hamza-bearing alif forms to bare alif,
// alif maqsura and Farsi ya to ya, ta marbuta to ha, hamza carriers to
// their bare base, Persian kaf/peh to their Arabic counterparts.
var letterVariants = map[rune]rune{
	'أ': 'ا', 'إ': 'ا', 'آ': 'ا', 'ٱ': 'ا',
	'ى': 'ي', 'ی': 'ي',
	'ة': 'ه',
	'ؤ': 'و',
	'ئ': 'ي',
	'ک': 'ك',
	'پ': 'ب',
}

var arabicLower = cases.Lower(language.Arabic)

// NormalizeText canonicalizes Arabic (or mixed) text for fuzzy matching:
// diacritics and formatting characters stripped, letter variants unified,
// whitespace collapsed, lower-cased with Arabic casing rules. The result
// is for comparison only, never stored verbatim.
func NormalizeText(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}

	var b strings.Builder
	b.Grow(len(out))
	for _, r := range out {
		if formattingRunes[r] {
			continue
		}
		if v, ok := letterVariants[r]; ok {
			r = v
		}
		b.WriteRune(r)
	}

	return arabicLower.String(collapseSpace(b.String()))
}

// CharClass selects which character categories CleanFreeText keeps.
type CharClass uint8

const (
	Letters CharClass = 1 << iota
	Digits
	Punctuation
)

// CleanFreeText strips characters outside the allowed class, collapses
// whitespace, and trims leading/trailing non-letter runs. Used to scrub
// OCR noise (pipes, underscores, stray symbols) out of free-text fields.
func CleanFreeText(s string, allow CharClass) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsLetter(r) && allow&Letters != 0:
			b.WriteRune(r)
		case unicode.IsDigit(r) && allow&Digits != 0:
			b.WriteRune(r)
		case (unicode.IsPunct(r) || unicode.IsSymbol(r)) && allow&Punctuation != 0:
			b.WriteRune(r)
		default:
			// dropped characters become separators so words don't fuse
			b.WriteRune(' ')
		}
	}

	return trimNonLetters(collapseSpace(b.String()))
}

// Canonical marital-status values
const (
	MaritalSingle   = "single"
	MaritalMarried  = "married"
	MaritalDivorced = "divorced"
	MaritalWidowed  = "widowed"
)

// maritalPatterns maps normalized Arabic vocabulary (masculine and feminine
// forms as printed on the card) to canonical values. Feminine ta marbuta
// normalizes to ha, so both genders of each word share one entry.
var maritalPatterns = map[string]string{
	"اعزب":  MaritalSingle,
	"عزباء": MaritalSingle,
	"انسه":  MaritalSingle,
	"متزوج": MaritalMarried,
	"متزوجه": MaritalMarried,
	"مطلق":  MaritalDivorced,
	"مطلقه": MaritalDivorced,
	"ارمل":  MaritalWidowed,
	"ارمله": MaritalWidowed,
}

// NormalizeMaritalStatus cleans OCR noise and maps the value onto the
// canonical set. Input that matches nothing passes through cleaned but
// unmapped, so an unusual printed status is never silently discarded.
func NormalizeMaritalStatus(s string) string {
	cleaned := CleanFreeText(s, Letters)
	if cleaned == "" {
		return ""
	}

	key := NormalizeText(cleaned)
	for _, word := range strings.Split(key, " ") {
		if canonical, ok := maritalPatterns[word]; ok {
			return canonical
		}
	}
	return cleaned
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimNonLetters(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
