package domain

import (
	"strings"
	"time"

	"github.com/civirec/civirec-backend/internal/records/arabic"
	"github.com/civirec/civirec-backend/internal/records/identity"
)

// FrontFields is the working model for the front side of an ID card.
// The identifier is kept in canonical ASCII digits internally and rendered
// in Arabic-Indic digits for display. Age is a pointer because "unknown"
// and "zero" are different answers.
type FrontFields struct {
	Name        string `json:"name,omitempty"`
	NationalID  string `json:"national_id,omitempty"`
	Address     string `json:"address,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"` // ISO YYYY-MM-DD
	Age         *int   `json:"age,omitempty"`
}

// Done reports whether the front step is complete enough to move on.
func (f *FrontFields) Done() bool {
	return f.Name != "" || f.NationalID != "" || f.Address != "" || f.DateOfBirth != ""
}

// DisplayNationalID renders the identifier in Arabic-Indic digits.
func (f *FrontFields) DisplayNationalID() string {
	return arabic.ToArabicIndicDigits(f.NationalID)
}

// BackFields is the working model for the back side. All fields are free
// text and independently optional.
type BackFields struct {
	Occupation    string `json:"occupation,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Religion      string `json:"religion,omitempty"`
	MaritalStatus string `json:"marital_status,omitempty"`
	HusbandName   string `json:"husband_name,omitempty"`
	ExpiryDate    string `json:"expiry_date,omitempty"`
}

// ImageFile is an opaque uploaded image held in memory for the lifetime of
// a reconciliation session. Bytes are zeroed on release, never persisted.
type ImageFile struct {
	Name string
	MIME string
	Data []byte
}

// Release zeros the image bytes so card scans don't linger in memory.
func (f *ImageFile) Release() {
	if f == nil {
		return
	}
	for i := range f.Data {
		f.Data[i] = 0
	}
	f.Data = nil
}

// RecordDraft is the mutable form model owned by one reconciliation
// session. ID is nil for a create draft and set for an edit draft.
type RecordDraft struct {
	ID    *int64      `json:"id,omitempty"`
	Front FrontFields `json:"front"`
	Back  BackFields  `json:"back"`
}

// IsEdit reports whether the draft targets an existing record.
func (d *RecordDraft) IsEdit() bool {
	return d.ID != nil
}

// SavePayload is the finalized emission of a confirmed save. IDNumber and
// NationalID carry the same canonical value for backend compatibility.
// Image files ride along only for new records, never for edits.
type SavePayload struct {
	Name          string     `json:"name"`
	IDNumber      string     `json:"idNumber"`
	NationalID    string     `json:"nationalId"`
	Address       string     `json:"address"`
	DateOfBirth   string     `json:"dateOfBirth"`
	Age           int        `json:"age"`
	Occupation    string     `json:"occupation,omitempty"`
	Gender        string     `json:"gender,omitempty"`
	Religion      string     `json:"religion,omitempty"`
	MaritalStatus string     `json:"maritalStatus,omitempty"`
	HusbandName   string     `json:"husbandName,omitempty"`
	ExpiryDate    string     `json:"expiryDate,omitempty"`
	FrontFile     *ImageFile `json:"-"`
	BackFile      *ImageFile `json:"-"`
}

// Record is the persisted shape returned by the records API.
type Record struct {
	ID            int64      `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	IDNumber      string     `db:"id_number" json:"id_number"`
	Address       *string    `db:"address" json:"address,omitempty"`
	DateOfBirth   *string    `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Age           int        `db:"age" json:"age"`
	Gender        *string    `db:"gender" json:"gender,omitempty"`
	Profession    *string    `db:"profession" json:"profession,omitempty"`
	MaritalStatus *string    `db:"marital_status" json:"marital_status,omitempty"`
	Religion      *string    `db:"religion" json:"religion,omitempty"`
	HusbandName   *string    `db:"husband_name" json:"husband_name,omitempty"`
	EndDate       *string    `db:"end_date" json:"end_date,omitempty"`
	Notes         *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt     *time.Time `db:"deleted_at" json:"-"`
}

// Draft converts a persisted record into an edit-mode draft, backfilling
// age from the birth date when the stored value is missing or stale.
func (r *Record) Draft(now time.Time) *RecordDraft {
	id := r.ID
	draft := &RecordDraft{
		ID: &id,
		Front: FrontFields{
			Name:        r.Name,
			NationalID:  identity.Normalize(r.IDNumber),
			Address:     deref(r.Address),
			DateOfBirth: deref(r.DateOfBirth),
		},
		Back: BackFields{
			Occupation:    deref(r.Profession),
			Gender:        deref(r.Gender),
			Religion:      deref(r.Religion),
			MaritalStatus: deref(r.MaritalStatus),
			HusbandName:   deref(r.HusbandName),
			ExpiryDate:    deref(r.EndDate),
		},
	}

	if r.Age > 0 {
		age := r.Age
		draft.Front.Age = &age
	} else if age, ok := identity.AgeAt(draft.Front.DateOfBirth, now); ok {
		draft.Front.Age = &age
	}

	return draft
}

// CreateUpdateRecordDTO is the wire shape accepted by the records API and
// forwarded to persistence.
type CreateUpdateRecordDTO struct {
	Name          string  `json:"name" validate:"required,max=200"`
	IDNumber      string  `json:"idNumber" validate:"required,len=14,numeric"`
	DateOfBirth   *string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	Address       *string `json:"address"`
	Gender        *string `json:"gender"`
	Profession    *string `json:"profession"`
	MaritalStatus *string `json:"maritalStatus"`
	Religion      *string `json:"religion"`
	HusbandName   *string `json:"husbandName"`
	EndDate       *string `json:"endDate"`
	Notes         *string `json:"notes"`
}

// DTO flattens a finalized save payload into the persistence shape,
// trimming text and null-ing empty optionals.
func (p *SavePayload) DTO() *CreateUpdateRecordDTO {
	return &CreateUpdateRecordDTO{
		Name:          strings.TrimSpace(p.Name),
		IDNumber:      strings.TrimSpace(p.IDNumber),
		DateOfBirth:   nullable(p.DateOfBirth),
		Address:       nullable(p.Address),
		Gender:        nullable(p.Gender),
		Profession:    nullable(p.Occupation),
		MaritalStatus: nullable(p.MaritalStatus),
		Religion:      nullable(p.Religion),
		HusbandName:   nullable(p.HusbandName),
		EndDate:       nullable(p.ExpiryDate),
	}
}

// PagedResult is one page of a list or search response.
type PagedResult struct {
	Items      []*Record `json:"items"`
	PageNumber int       `json:"pageNumber"`
	PageSize   int       `json:"pageSize"`
	TotalCount int64     `json:"totalCount"`
	TotalPages int       `json:"totalPages"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
