package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/ocr"
	"github.com/civirec/civirec-backend/internal/records/session"
	"github.com/civirec/civirec-backend/pkg/errors"
	"github.com/civirec/civirec-backend/pkg/logger"
	"github.com/civirec/civirec-backend/pkg/testutil"
)

// fakeGateway serves queued extraction results per side. A non-nil gate
// blocks the first call until released, for stale-response tests.
type fakeGateway struct {
	mu      sync.Mutex
	results map[ocr.Side][]ocr.Extraction
	byName  map[string]ocr.Extraction
	errs    map[ocr.Side]error
	gate    chan struct{}
	calls   int
}

func (g *fakeGateway) Extract(ctx context.Context, side ocr.Side, file *domain.ImageFile) (ocr.Extraction, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	gate := g.gate
	g.mu.Unlock()

	if first && gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[side]; err != nil {
		return nil, err
	}
	if g.byName != nil {
		return g.byName[file.Name], nil
	}
	queue := g.results[side]
	if len(queue) == 0 {
		return ocr.Extraction{}, nil
	}
	next := queue[0]
	g.results[side] = queue[1:]
	return next, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func frontResult(payloads ...ocr.Extraction) *fakeGateway {
	return &fakeGateway{results: map[ocr.Side][]ocr.Extraction{ocr.SideFront: payloads}}
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
}

func jpeg(name string) *domain.ImageFile {
	return &domain.ImageFile{Name: name, MIME: "image/jpeg", Data: []byte{0xFF, 0xD8, 0xFF, 1, 2, 3}}
}

func open(t *testing.T, cfg session.Config, gw ocr.Gateway) *session.Session {
	t.Helper()
	cfg.Now = fixedNow
	s := session.New(cfg, gw, logger.Nop())
	t.Cleanup(s.Close)
	return s
}

func waitIdle(t *testing.T, s *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.State()
		return !st.FrontLoading && !st.BackLoading
	}, 2*time.Second, 5*time.Millisecond, "extraction never finished")
}

func TestFrontExtractionMergesAndDerives(t *testing.T) {
	gw := frontResult(ocr.Extraction(testutil.FrontOCRFixture()))
	s := open(t, session.Config{}, gw)

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("front.jpg")))
	waitIdle(t, s)

	st := s.State()
	assert.Equal(t, "علي حسن", st.Draft.Front.Name)
	assert.Equal(t, "29505157654321", st.Draft.Front.NationalID)
	assert.Equal(t, "٢٩٥٠٥١٥٧٦٥٤٣٢١", st.DisplayID)
	assert.Equal(t, "1995-05-15", st.Draft.Front.DateOfBirth)
	require.NotNil(t, st.Draft.Front.Age)
	assert.Equal(t, 31, *st.Draft.Front.Age)
	assert.Empty(t, st.FrontError)
	assert.True(t, st.FrontSelected)
}

func TestFrontExtractionDerivesBirthDateFromIdentifier(t *testing.T) {
	// OCR supplies an identifier but no birth date
	gw := frontResult(ocr.Extraction{"name": "Ali Hassan", "nationalId": "30101012345678"})
	s := open(t, session.Config{}, gw)

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("front.jpg")))
	waitIdle(t, s)

	st := s.State()
	assert.Equal(t, "2001-01-01", st.Draft.Front.DateOfBirth)
	require.NotNil(t, st.Draft.Front.Age)
	assert.Equal(t, 25, *st.Draft.Front.Age)
}

func TestRejectsNonImageUpload(t *testing.T) {
	gw := frontResult()
	s := open(t, session.Config{}, gw)

	err := s.SelectFrontImage(context.Background(), &domain.ImageFile{
		Name: "scan.pdf", MIME: "application/pdf", Data: []byte("%PDF"),
	})
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "errors.invalid_image_type", appErr.MessageKey)
	assert.Equal(t, 0, gw.callCount())
	assert.False(t, s.State().FrontSelected)
}

func TestFrontSideMismatchClearsSelection(t *testing.T) {
	// a back-side payload coming out of the front recognizer
	gw := frontResult(ocr.Extraction{"occupation": "مهندس", "gender": "ذكر"})
	s := open(t, session.Config{}, gw)

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("back-as-front.jpg")))
	waitIdle(t, s)

	st := s.State()
	assert.False(t, st.FrontSelected, "mismatched front selection should be cleared")
	assert.Equal(t, domain.FrontFields{}, st.Draft.Front, "no merge on mismatch")
	assert.NotEmpty(t, st.FrontError)

	frontErr, _ := s.SideErrors()
	var appErr *errors.AppError
	require.True(t, errors.As(frontErr, &appErr))
	assert.Equal(t, "SIDE_MISMATCH", appErr.Code)
	assert.Equal(t, "errors.front_looks_like_back", appErr.MessageKey)
}

func TestBackSideMismatchClearsSelection(t *testing.T) {
	gw := &fakeGateway{results: map[ocr.Side][]ocr.Extraction{
		ocr.SideBack: {{"name": "Ali Hassan", "nationalId": "29505157654321"}},
	}}
	s := open(t, session.Config{}, gw)

	require.NoError(t, s.SelectBackImage(context.Background(), jpeg("front-as-back.jpg")))
	waitIdle(t, s)

	st := s.State()
	assert.False(t, st.BackSelected)
	assert.Equal(t, domain.BackFields{}, st.Draft.Back)

	_, backErr := s.SideErrors()
	var appErr *errors.AppError
	require.True(t, errors.As(backErr, &appErr))
	assert.Equal(t, "errors.back_looks_like_front", appErr.MessageKey)
}

func TestGatewayFailureLeavesDraftUntouched(t *testing.T) {
	gw := &fakeGateway{errs: map[ocr.Side]error{
		ocr.SideFront: errors.GatewayFailure(assert.AnError, "errors.front_ocr_failed"),
	}}
	s := open(t, session.Config{}, gw)
	require.NoError(t, s.SetField("name", "Ali Hassan"))

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("front.jpg")))
	waitIdle(t, s)

	st := s.State()
	assert.Equal(t, "Ali Hassan", st.Draft.Front.Name)
	assert.True(t, st.FrontSelected, "failures keep the selection for retry")
	assert.NotEmpty(t, st.FrontError)
}

func TestStaleExtractionDiscarded(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		gate: gate,
		byName: map[string]ocr.Extraction{
			"a.jpg": {"name": "first image"},
			"b.jpg": {"name": "second image"},
		},
	}
	// overwrite policy would make a late stale merge visible
	s := open(t, session.Config{Policy: session.Overwrite}, gw)

	// first extraction stalls at the gateway
	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("a.jpg")))
	// user replaces the image before the first call returns
	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("b.jpg")))

	require.Eventually(t, func() bool {
		return s.State().Draft.Front.Name == "second image"
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	s.Close() // waits out the stalled call

	assert.Equal(t, "second image", s.State().Draft.Front.Name,
		"stale result for the replaced image must be discarded")
}

func TestEditModeSkipsExtraction(t *testing.T) {
	gw := frontResult(ocr.Extraction{"name": "should never be used"})
	id := int64(7)
	s := open(t, session.Config{
		Value:  &domain.RecordDraft{ID: &id, Front: domain.FrontFields{Name: "Ali Hassan"}},
		IsEdit: true,
	}, gw)

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("front.jpg")))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, gw.callCount())
	assert.Equal(t, "Ali Hassan", s.State().Draft.Front.Name)
}

func TestStepGating(t *testing.T) {
	s := open(t, session.Config{}, frontResult())

	err := s.Go(session.StepBack)
	require.Error(t, err, "empty front bucket must not advance")

	require.NoError(t, s.SetField("name", "Ali Hassan"))
	require.NoError(t, s.Go(session.StepBack))
	assert.Equal(t, session.StepBack, s.State().Step)

	// going back is always allowed
	require.NoError(t, s.Go(session.StepFront))
}

func TestManualIdentifierDerivesBirthDateAndAge(t *testing.T) {
	s := open(t, session.Config{}, frontResult())

	require.NoError(t, s.SetField("nationalId", "٢٩٥٠٥١٥٧٦٥٤٣٢١"))

	st := s.State()
	assert.Equal(t, "29505157654321", st.Draft.Front.NationalID)
	assert.Equal(t, "1995-05-15", st.Draft.Front.DateOfBirth)
	require.NotNil(t, st.Draft.Front.Age)
	assert.Equal(t, 31, *st.Draft.Front.Age)

	// a partial identifier never touches the derived fields
	require.NoError(t, s.SetField("nationalId", "295051"))
	st = s.State()
	assert.Equal(t, "295051", st.Draft.Front.NationalID)
	assert.Equal(t, "1995-05-15", st.Draft.Front.DateOfBirth)
}

func TestSaveRequiresNameOrIdentifier(t *testing.T) {
	s := open(t, session.Config{}, frontResult())

	err := s.SaveNow()
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "errors.name_or_id_required", appErr.MessageKey)
	assert.False(t, s.State().Confirming)
}

func TestConfirmRejectsShortIdentifier(t *testing.T) {
	s := open(t, session.Config{}, frontResult())
	require.NoError(t, s.SetField("name", "Ali"))
	require.NoError(t, s.SetField("nationalId", "12345"))
	require.NoError(t, s.SaveNow())

	_, err := s.ConfirmSave(context.Background())
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "errors.id_must_be_14_digits", appErr.MessageKey)
}

func TestConfirmRejectsDuplicateOnCreate(t *testing.T) {
	s := open(t, session.Config{
		ExistingIDs: map[string]struct{}{"29001011234567": {}},
	}, frontResult())
	require.NoError(t, s.SetField("nationalId", "29001011234567"))
	require.NoError(t, s.SaveNow())

	_, err := s.ConfirmSave(context.Background())
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "DUPLICATE_ID", appErr.Code)
}

func TestConfirmEmitsFinalPayloadForCreate(t *testing.T) {
	var saved *domain.SavePayload
	gw := &fakeGateway{results: map[ocr.Side][]ocr.Extraction{
		ocr.SideFront: {ocr.Extraction(testutil.FrontOCRFixture())},
		ocr.SideBack:  {ocr.Extraction(testutil.BackOCRFixture())},
	}}
	s := open(t, session.Config{
		ExistingIDs: map[string]struct{}{"29912319876543": {}},
		OnSave: func(ctx context.Context, p *domain.SavePayload) error {
			saved = p
			return nil
		},
	}, gw)

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("front.jpg")))
	waitIdle(t, s)
	require.NoError(t, s.Go(session.StepBack))
	require.NoError(t, s.SelectBackImage(context.Background(), jpeg("back.jpg")))
	waitIdle(t, s)

	require.NoError(t, s.SaveNow())
	payload, err := s.ConfirmSave(context.Background())
	require.NoError(t, err)
	require.Same(t, payload, saved)

	assert.Equal(t, "علي حسن", payload.Name)
	assert.Equal(t, "29505157654321", payload.IDNumber)
	assert.Equal(t, payload.IDNumber, payload.NationalID, "identifier is doubled for the backend")
	assert.Equal(t, "1995-05-15", payload.DateOfBirth)
	assert.Equal(t, 31, payload.Age)
	assert.Equal(t, "مهندس برمجيات", payload.Occupation, "pipe noise cleaned at emission")
	assert.Equal(t, "married", payload.MaritalStatus)
	assert.Equal(t, "ذكر", payload.Gender)
	require.NotNil(t, payload.FrontFile)
	require.NotNil(t, payload.BackFile)
	assert.False(t, s.State().Confirming)
}

func TestConfirmOmitsFilesForEdit(t *testing.T) {
	id := int64(3)
	s := open(t, session.Config{
		Value: &domain.RecordDraft{
			ID:    &id,
			Front: domain.FrontFields{Name: "Ali Hassan", NationalID: "29505157654321"},
		},
		IsEdit: true,
	}, frontResult())

	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("front.jpg")))
	require.NoError(t, s.SaveNow())
	payload, err := s.ConfirmSave(context.Background())
	require.NoError(t, err)

	assert.Nil(t, payload.FrontFile, "edits never carry image files")
	assert.Nil(t, payload.BackFile)
}

func TestFailedEmissionKeepsSessionOpen(t *testing.T) {
	s := open(t, session.Config{
		OnSave: func(ctx context.Context, p *domain.SavePayload) error {
			return errors.Internal("persistence down")
		},
	}, frontResult())
	require.NoError(t, s.SetField("nationalId", "29505157654321"))
	require.NoError(t, s.SaveNow())

	_, err := s.ConfirmSave(context.Background())
	require.Error(t, err)
	assert.True(t, s.State().Confirming, "user can retry the confirmation")

	s.CancelSave()
	assert.False(t, s.State().Confirming)
}

func TestCancelReleasesPreviews(t *testing.T) {
	cancelled := false
	gw := frontResult(ocr.Extraction{"name": "Ali Hassan"})
	s := open(t, session.Config{OnCancel: func() { cancelled = true }}, gw)

	img := jpeg("front.jpg")
	require.NoError(t, s.SelectFrontImage(context.Background(), img))
	waitIdle(t, s)

	s.Cancel()
	assert.True(t, cancelled)
	assert.Nil(t, img.Data, "preview bytes released on cancel")
	assert.False(t, s.State().FrontSelected)
}

func TestReplacingImageReleasesPreviousPreview(t *testing.T) {
	gw := frontResult(ocr.Extraction{}, ocr.Extraction{})
	s := open(t, session.Config{}, gw)

	first := jpeg("a.jpg")
	require.NoError(t, s.SelectFrontImage(context.Background(), first))
	waitIdle(t, s)
	require.NoError(t, s.SelectFrontImage(context.Background(), jpeg("b.jpg")))
	waitIdle(t, s)

	assert.Nil(t, first.Data, "replaced preview must be released")
}
