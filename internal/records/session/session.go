package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civirec/civirec-backend/internal/records/arabic"
	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/identity"
	"github.com/civirec/civirec-backend/internal/records/ocr"
	"github.com/civirec/civirec-backend/pkg/errors"
	"github.com/civirec/civirec-backend/pkg/logger"
)

// Step is the wizard position: front side first, then back.
type Step string

const (
	StepFront Step = "front"
	StepBack  Step = "back"
)

// Config opens a reconciliation session. Value pre-populates the draft for
// edit mode; ExistingIDs is the duplicate-check set, consulted on create
// only. Manual suppresses OCR entirely for hand-typed records.
type Config struct {
	Value       *domain.RecordDraft
	IsEdit      bool
	Manual      bool
	Policy      MergePolicy
	ExistingIDs map[string]struct{}

	// OnSave receives the finalized payload on confirm. An error keeps
	// the session open so the user can retry. OnCancel fires on cancel.
	OnSave   func(ctx context.Context, payload *domain.SavePayload) error
	OnCancel func()

	// Now overrides the clock for age calculation. Nil means time.Now.
	Now func() time.Time
}

// Session reconciles one record draft against OCR extractions of the two
// card sides. Handler goroutines and extraction completions both touch
// the draft, so every operation takes the mutex.
type Session struct {
	mu sync.Mutex
	wg sync.WaitGroup

	id      uuid.UUID
	log     *logger.Logger
	gateway ocr.Gateway
	now     func() time.Time

	policy      MergePolicy
	isEdit      bool
	manual      bool
	existingIDs map[string]struct{}
	onSave      func(ctx context.Context, payload *domain.SavePayload) error
	onCancel    func()

	step  Step
	draft *domain.RecordDraft

	frontFile *domain.ImageFile
	backFile  *domain.ImageFile

	// loading flag and generation counter per side; a completion whose
	// generation no longer matches belongs to a replaced image and is
	// discarded
	frontLoading bool
	backLoading  bool
	frontGen     uint64
	backGen      uint64

	frontErr error
	backErr  error

	confirming bool
	closed     bool
}

// New opens a session over the given OCR gateway. A nil Value starts an
// empty create draft.
func New(cfg Config, gateway ocr.Gateway, log *logger.Logger) *Session {
	draft := cfg.Value
	if draft == nil {
		draft = &domain.RecordDraft{}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	id := uuid.New()
	return &Session{
		id:          id,
		log:         log.WithSession(id.String()),
		gateway:     gateway,
		now:         now,
		policy:      cfg.Policy,
		isEdit:      cfg.IsEdit || draft.IsEdit(),
		manual:      cfg.Manual,
		existingIDs: cfg.ExistingIDs,
		onSave:      cfg.OnSave,
		onCancel:    cfg.OnCancel,
		step:        StepFront,
		draft:       draft,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State is a point-in-time snapshot for the API.
type State struct {
	ID            string             `json:"id"`
	Step          Step               `json:"step"`
	IsEdit        bool               `json:"is_edit"`
	Policy        string             `json:"policy"`
	Draft         domain.RecordDraft `json:"draft"`
	DisplayID     string             `json:"display_national_id,omitempty"`
	FrontSelected bool               `json:"front_selected"`
	BackSelected  bool               `json:"back_selected"`
	FrontLoading  bool               `json:"front_loading"`
	BackLoading   bool               `json:"back_loading"`
	Confirming    bool               `json:"confirming"`
	FrontError    string             `json:"front_error,omitempty"`
	BackError     string             `json:"back_error,omitempty"`
}

// State snapshots the session under the lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		ID:            s.id.String(),
		Step:          s.step,
		IsEdit:        s.isEdit,
		Policy:        s.policy.String(),
		Draft:         *s.draft,
		DisplayID:     s.draft.Front.DisplayNationalID(),
		FrontSelected: s.frontFile != nil,
		BackSelected:  s.backFile != nil,
		FrontLoading:  s.frontLoading,
		BackLoading:   s.backLoading,
		Confirming:    s.confirming,
	}
	if s.frontErr != nil {
		st.FrontError = errMessage(s.frontErr)
	}
	if s.backErr != nil {
		st.BackError = errMessage(s.backErr)
	}
	return st
}

// SideErrors returns the pending per-side extraction errors, letting the
// API layer localize them.
func (s *Session) SideErrors() (front, back error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontErr, s.backErr
}

// Go moves the wizard. Advancing to the back step requires the front
// bucket to hold at least one value; going back is always allowed.
func (s *Session) Go(step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step != StepFront && step != StepBack {
		return errors.BadRequest("unknown step: " + string(step))
	}
	if step == StepBack && !s.draft.Front.Done() {
		return errors.ValidationWithKey("errors.front_incomplete")
	}
	s.step = step
	return nil
}

// SelectFrontImage stores a new front image, releasing any previous one,
// and kicks off extraction unless the record is edited or manual.
func (s *Session) SelectFrontImage(ctx context.Context, file *domain.ImageFile) error {
	return s.selectImage(ctx, ocr.SideFront, file)
}

// SelectBackImage stores a new back image, releasing any previous one,
// and kicks off extraction unless the record is edited or manual.
func (s *Session) SelectBackImage(ctx context.Context, file *domain.ImageFile) error {
	return s.selectImage(ctx, ocr.SideBack, file)
}

func (s *Session) selectImage(ctx context.Context, side ocr.Side, file *domain.ImageFile) error {
	if !strings.HasPrefix(file.MIME, "image/") {
		return errors.ValidationWithKey("errors.invalid_image_type")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.BadRequest("session is closed")
	}

	if side == ocr.SideFront {
		s.frontFile.Release()
		s.frontFile = file
		s.frontGen++
		s.frontErr = nil
	} else {
		s.backFile.Release()
		s.backFile = file
		s.backGen++
		s.backErr = nil
	}
	autoExtract := !s.isEdit && !s.manual
	s.mu.Unlock()

	if autoExtract {
		return s.extract(ctx, side)
	}
	return nil
}

// ExtractFront re-runs extraction for the stored front image.
func (s *Session) ExtractFront(ctx context.Context) error {
	return s.extract(ctx, ocr.SideFront)
}

// ExtractBack re-runs extraction for the stored back image.
func (s *Session) ExtractBack(ctx context.Context) error {
	return s.extract(ctx, ocr.SideBack)
}

// extract snapshots the stored image and calls the gateway on a separate
// goroutine. The snapshot copies the bytes so replacing the image
// mid-flight cannot corrupt the outgoing request.
func (s *Session) extract(ctx context.Context, side ocr.Side) error {
	s.mu.Lock()
	file := s.frontFile
	if side == ocr.SideBack {
		file = s.backFile
	}
	if file == nil {
		s.mu.Unlock()
		if side == ocr.SideFront {
			return errors.ValidationWithKey("errors.front_image_required")
		}
		return errors.ValidationWithKey("errors.back_image_required")
	}

	snap := &domain.ImageFile{
		Name: file.Name,
		MIME: file.MIME,
		Data: append([]byte(nil), file.Data...),
	}

	var gen uint64
	if side == ocr.SideFront {
		gen = s.frontGen
		s.frontLoading = true
		s.frontErr = nil
	} else {
		gen = s.backGen
		s.backLoading = true
		s.backErr = nil
	}
	s.mu.Unlock()

	// detach from the request lifetime; the gateway client owns the timeout
	callCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer snap.Release()
		payload, err := s.gateway.Extract(callCtx, side, snap)
		s.finishExtract(side, gen, payload, err)
	}()
	return nil
}

func (s *Session) finishExtract(side ocr.Side, gen uint64, payload ocr.Extraction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.frontGen
	if side == ocr.SideBack {
		current = s.backGen
	}
	if s.closed || gen != current {
		s.log.Debug().Str("side", string(side)).Msg("discarding stale extraction result")
		return
	}

	if side == ocr.SideFront {
		s.frontLoading = false
	} else {
		s.backLoading = false
	}

	if err != nil {
		s.log.Warn().Str("side", string(side)).Err(err).Msg("extraction failed")
		s.setSideErr(side, asGatewayError(side, err))
		return
	}

	payload = payload.Unwrap()
	switch {
	case side == ocr.SideFront && payload.LooksLikeBack():
		s.log.Info().Msg("front extraction returned back-side fields, clearing selection")
		s.setSideErr(side, errors.SideMismatch("errors.front_looks_like_back"))
		s.frontFile.Release()
		s.frontFile = nil
		s.frontGen++
	case side == ocr.SideBack && payload.LooksLikeFront():
		s.log.Info().Msg("back extraction returned front-side fields, clearing selection")
		s.setSideErr(side, errors.SideMismatch("errors.back_looks_like_front"))
		s.backFile.Release()
		s.backFile = nil
		s.backGen++
	case side == ocr.SideFront:
		mergeFront(&s.draft.Front, frontValues(payload), s.policy)
		s.refreshDerived()
	default:
		mergeBack(&s.draft.Back, backValues(payload), s.policy)
	}
}

func (s *Session) setSideErr(side ocr.Side, err error) {
	if side == ocr.SideFront {
		s.frontErr = err
	} else {
		s.backErr = err
	}
}

// frontValues normalizes a front extraction into mergeable fields:
// identifier to ASCII digits, free text scrubbed, dates digit-normalized.
func frontValues(p ocr.Extraction) domain.FrontFields {
	v := domain.FrontFields{
		Name:        arabic.CleanFreeText(p.String(ocr.FieldName), arabic.Letters),
		NationalID:  identity.Normalize(p.String(ocr.FieldNationalID)),
		Address:     arabic.CleanFreeText(p.String(ocr.FieldAddress), arabic.Letters|arabic.Digits),
		DateOfBirth: arabic.ToASCIIDigits(strings.TrimSpace(p.String(ocr.FieldDateOfBirth))),
	}
	if n, ok := p.Number(ocr.FieldAge); ok {
		age := int(n)
		v.Age = &age
	}
	return v
}

// backValues normalizes a back extraction. Occupation stays raw here; it
// is cleaned as the final step before emission so manual corrections made
// after the merge are scrubbed too.
func backValues(p ocr.Extraction) domain.BackFields {
	return domain.BackFields{
		Occupation:    strings.TrimSpace(p.String(ocr.FieldOccupation)),
		Gender:        arabic.CleanFreeText(p.String(ocr.FieldGender), arabic.Letters),
		Religion:      arabic.CleanFreeText(p.String(ocr.FieldReligion), arabic.Letters),
		MaritalStatus: arabic.NormalizeMaritalStatus(p.String(ocr.FieldMaritalStatus)),
		HusbandName:   arabic.CleanFreeText(p.String(ocr.FieldHusbandName), arabic.Letters),
		ExpiryDate:    arabic.ToASCIIDigits(strings.TrimSpace(p.String(ocr.FieldExpiryDate))),
	}
}

// refreshDerived backfills birth date from a complete identifier and age
// from the birth date. Existing values are left alone; derivation is
// best-effort and never an error.
func (s *Session) refreshDerived() {
	f := &s.draft.Front
	if f.DateOfBirth == "" && len(f.NationalID) == identity.NationalIDLength {
		if dob, ok := identity.BirthDateFromNationalID(f.NationalID); ok {
			f.DateOfBirth = dob
		}
	}
	if f.Age == nil {
		if age, ok := identity.AgeAt(f.DateOfBirth, s.now()); ok {
			f.Age = &age
		}
	}
}

// SetField applies one manual edit. The identifier routes through the
// derivation hook; everything else is a plain assignment.
func (s *Session) SetField(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.BadRequest("session is closed")
	}

	value = strings.TrimSpace(value)
	switch name {
	case "name":
		s.draft.Front.Name = value
	case "nationalId", "idNumber":
		s.identifierChanged(value)
	case "address":
		s.draft.Front.Address = value
	case "dateOfBirth", "dob":
		s.draft.Front.DateOfBirth = arabic.ToASCIIDigits(value)
		if age, ok := identity.AgeAt(s.draft.Front.DateOfBirth, s.now()); ok {
			s.draft.Front.Age = &age
		}
	case "age":
		if value == "" {
			s.draft.Front.Age = nil
			return nil
		}
		age, err := strconv.Atoi(arabic.ToASCIIDigits(value))
		if err != nil || age < 0 {
			return errors.BadRequest("age must be a non-negative number")
		}
		s.draft.Front.Age = &age
	case "occupation", "profession":
		s.draft.Back.Occupation = value
	case "gender":
		s.draft.Back.Gender = value
	case "religion":
		s.draft.Back.Religion = value
	case "maritalStatus":
		s.draft.Back.MaritalStatus = arabic.NormalizeMaritalStatus(value)
	case "husbandName":
		s.draft.Back.HusbandName = value
	case "expiryDate", "endDate":
		s.draft.Back.ExpiryDate = arabic.ToASCIIDigits(value)
	default:
		return errors.BadRequest("unknown field: " + name)
	}
	return nil
}

// identifierChanged normalizes the identifier and, at exactly fourteen
// digits, re-derives the birth date and age over whatever was there.
// Caller holds the lock.
func (s *Session) identifierChanged(raw string) {
	f := &s.draft.Front
	f.NationalID = identity.Normalize(raw)

	if len(f.NationalID) != identity.NationalIDLength {
		return
	}
	dob, ok := identity.BirthDateFromNationalID(f.NationalID)
	if !ok {
		return
	}
	f.DateOfBirth = dob
	if age, ok := identity.AgeAt(dob, s.now()); ok {
		f.Age = &age
	}
}

// SaveNow opens the confirmation step. It only checks that the draft is
// worth confirming; the strict checks run on confirm.
func (s *Session) SaveNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.BadRequest("session is closed")
	}
	if strings.TrimSpace(s.draft.Front.Name) == "" && s.draft.Front.NationalID == "" {
		return errors.ValidationWithKey("errors.name_or_id_required")
	}
	s.confirming = true
	return nil
}

// CancelSave backs out of the confirmation step without touching the draft.
func (s *Session) CancelSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirming = false
}

// ConfirmSave finalizes the draft and emits it. The identifier must be
// exactly fourteen digits; on create it must not collide with an existing
// record. A failed emission keeps the session and the confirmation open.
func (s *Session) ConfirmSave(ctx context.Context) (*domain.SavePayload, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, errors.BadRequest("session is closed")
	}
	if !s.confirming {
		s.mu.Unlock()
		return nil, errors.BadRequest("save has not been requested")
	}

	id := identity.Normalize(s.draft.Front.NationalID)
	if len(id) != identity.NationalIDLength {
		s.mu.Unlock()
		return nil, errors.ValidationWithKey("errors.id_must_be_14_digits")
	}
	s.draft.Front.NationalID = id

	if !s.isEdit {
		if _, exists := s.existingIDs[id]; exists {
			s.mu.Unlock()
			return nil, errors.DuplicateID(id)
		}
	}

	// last cleanup before emission
	s.draft.Back.Occupation = arabic.CleanFreeText(s.draft.Back.Occupation, arabic.Letters|arabic.Digits)

	age := 0
	if s.draft.Front.Age != nil {
		age = *s.draft.Front.Age
	}

	payload := &domain.SavePayload{
		Name:          strings.TrimSpace(s.draft.Front.Name),
		IDNumber:      id,
		NationalID:    id,
		Address:       s.draft.Front.Address,
		DateOfBirth:   s.draft.Front.DateOfBirth,
		Age:           age,
		Occupation:    s.draft.Back.Occupation,
		Gender:        s.draft.Back.Gender,
		Religion:      s.draft.Back.Religion,
		MaritalStatus: s.draft.Back.MaritalStatus,
		HusbandName:   s.draft.Back.HusbandName,
		ExpiryDate:    s.draft.Back.ExpiryDate,
	}
	if !s.isEdit {
		payload.FrontFile = s.frontFile
		payload.BackFile = s.backFile
	}
	onSave := s.onSave
	s.mu.Unlock()

	if onSave != nil {
		if err := onSave(ctx, payload); err != nil {
			s.log.Warn().Err(err).Msg("save emission failed, session stays open")
			return nil, err
		}
	}

	s.mu.Lock()
	s.confirming = false
	s.mu.Unlock()
	return payload, nil
}

// Cancel discards the session without persisting anything.
func (s *Session) Cancel() {
	s.close()
	if s.onCancel != nil {
		s.onCancel()
	}
}

// Close tears the session down and releases both previews. It waits for
// in-flight extractions so their snapshots are cleaned up too.
func (s *Session) Close() {
	s.close()
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.frontFile.Release()
	s.backFile.Release()
	s.frontFile = nil
	s.backFile = nil
	s.frontLoading = false
	s.backLoading = false
	s.mu.Unlock()

	s.wg.Wait()
}

func asGatewayError(side ocr.Side, err error) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	key := "errors.front_ocr_failed"
	if side == ocr.SideBack {
		key = "errors.back_ocr_failed"
	}
	return errors.GatewayFailure(err, key)
}

func errMessage(err error) string {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
