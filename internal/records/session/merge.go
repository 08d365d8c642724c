package session

import "github.com/civirec/civirec-backend/internal/records/domain"

// MergePolicy controls how extracted values are written onto a draft.
type MergePolicy int

const (
	// FillEmptyOnly writes a source value only where the target is empty.
	// User edits always win over later extractions.
	FillEmptyOnly MergePolicy = iota
	// Overwrite replaces every merged field with the source value, empty
	// or not. Age is exempt: it only changes when the source carries a
	// genuine number.
	Overwrite
)

func (p MergePolicy) String() string {
	if p == Overwrite {
		return "overwrite"
	}
	return "fillEmptyOnly"
}

// mergeField applies one string field under the policy. Under Overwrite
// an absent source value still clears the target, matching the "replace
// the whole field list" contract.
func mergeField(target *string, source string, policy MergePolicy) {
	if policy == Overwrite {
		*target = source
		return
	}
	if *target == "" {
		*target = source
	}
}

// mergeAge applies the numeric age. A nil source never touches the
// target, and an existing target age survives unless the policy forces
// an overwrite. "Unknown" stays distinct from zero on both sides.
func mergeAge(target **int, source *int, policy MergePolicy) {
	if source == nil {
		return
	}
	if *target == nil || policy == Overwrite {
		v := *source
		*target = &v
	}
}

// mergeFront writes an extracted front-side field set onto the draft.
// Idempotent under FillEmptyOnly: re-applying the same source after it
// has filled the gaps changes nothing.
func mergeFront(target *domain.FrontFields, source domain.FrontFields, policy MergePolicy) {
	mergeField(&target.Name, source.Name, policy)
	mergeField(&target.NationalID, source.NationalID, policy)
	mergeField(&target.Address, source.Address, policy)
	mergeField(&target.DateOfBirth, source.DateOfBirth, policy)
	mergeAge(&target.Age, source.Age, policy)
}

// mergeBack writes an extracted back-side field set onto the draft.
func mergeBack(target *domain.BackFields, source domain.BackFields, policy MergePolicy) {
	mergeField(&target.Occupation, source.Occupation, policy)
	mergeField(&target.Gender, source.Gender, policy)
	mergeField(&target.Religion, source.Religion, policy)
	mergeField(&target.MaritalStatus, source.MaritalStatus, policy)
	mergeField(&target.HusbandName, source.HusbandName, policy)
	mergeField(&target.ExpiryDate, source.ExpiryDate, policy)
}
