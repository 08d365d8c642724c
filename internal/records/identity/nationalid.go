package identity

import (
	"fmt"
	"time"

	"github.com/civirec/civirec-backend/internal/records/arabic"
)

// NationalIDLength is the fixed length of the national identifier.
const NationalIDLength = 14

// IsValidNationalID reports whether id is exactly 14 ASCII digits.
func IsValidNationalID(id string) bool {
	if len(id) != NationalIDLength {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Normalize converts an identifier typed or OCR'd in any numeral system to
// its canonical ASCII-digit form, dropping every non-digit character.
func Normalize(id string) string {
	return arabic.DigitsOnly(id)
}

// BirthDateFromNationalID derives the holder's birth date from the first
// seven digits of a 14-digit national identifier: a century digit (2 for
// the 1900s, 3 for the 2000s) followed by YYMMDD. Month and day get basic
// range checks only; the issuing registry is the authority on real dates,
// so days-in-month and leap years are deliberately not validated.
//
// Returns ("", false) on any structural failure. Derivation is best-effort
// and never an error: callers leave existing fields untouched when it fails.
func BirthDateFromNationalID(id string) (string, bool) {
	if !IsValidNationalID(id) {
		return "", false
	}

	var century int
	switch id[0] {
	case '2':
		century = 1900
	case '3':
		century = 2000
	default:
		return "", false
	}

	yy := int(id[1]-'0')*10 + int(id[2]-'0')
	mm := int(id[3]-'0')*10 + int(id[4]-'0')
	dd := int(id[5]-'0')*10 + int(id[6]-'0')

	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return "", false
	}

	return fmt.Sprintf("%04d-%02d-%02d", century+yy, mm, dd), true
}

// AgeAt computes whole years between an ISO birth date and now, clamped to
// zero. Returns (0, false) when the input is absent or unparseable: "age
// unknown" must stay distinct from "age zero".
func AgeAt(dobISO string, now time.Time) (int, bool) {
	if dobISO == "" {
		return 0, false
	}

	birth, err := time.Parse("2006-01-02", dobISO)
	if err != nil {
		return 0, false
	}

	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() ||
		(now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return age, true
}
