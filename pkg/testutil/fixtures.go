package testutil

import "time"

// RecordFixture represents test identity-record data
type RecordFixture struct {
	ID            int64
	Name          string
	IDNumber      string
	Address       string
	DateOfBirth   string
	Age           int
	Gender        string
	Profession    string
	MaritalStatus string
	Religion      string
	EndDate       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRecordFixture creates a record fixture with sensible defaults.
// The identifier encodes a 1995-05-15 birth date (century digit 2).
func NewRecordFixture() *RecordFixture {
	now := time.Now().UTC()
	return &RecordFixture{
		ID:          1,
		Name:        "Ali Hassan",
		IDNumber:    "29505157654321",
		Address:     "12 Tahrir St, Cairo",
		DateOfBirth: "1995-05-15",
		Age:         31,
		Gender:      "male",
		Profession:  "engineer",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// FrontOCRFixture returns a plausible raw front-side OCR payload
func FrontOCRFixture() map[string]any {
	return map[string]any{
		"name":       "علي حسن",
		"nationalId": "٢٩٥٠٥١٥٧٦٥٤٣٢١",
		"address":    "١٢ شارع التحرير",
		"dob":        "1995-05-15",
	}
}

// BackOCRFixture returns a plausible raw back-side OCR payload with a
// synonym occupation key and pipe noise, as the recognizer emits them
func BackOCRFixture() map[string]any {
	return map[string]any{
		"Profession":    "مهندس | برمجيات",
		"gender":        "ذكر",
		"religion":      "مسلم",
		"maritalStatus": "متزوج",
	}
}
