package handler_test

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/handler"
	"github.com/civirec/civirec-backend/internal/records/ocr"
	"github.com/civirec/civirec-backend/internal/records/session"
	"github.com/civirec/civirec-backend/pkg/config"
	"github.com/civirec/civirec-backend/pkg/logger"
	"github.com/civirec/civirec-backend/pkg/testutil"
)

// stubGateway answers extraction requests from canned payloads per side
type stubGateway struct {
	mu      sync.Mutex
	results map[ocr.Side]ocr.Extraction
	errs    map[ocr.Side]error
	calls   int
}

func (g *stubGateway) Extract(ctx context.Context, side ocr.Side, img *domain.ImageFile) (ocr.Extraction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err := g.errs[side]; err != nil {
		return nil, err
	}
	return g.results[side], nil
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type sessionEnv struct {
	router  chi.Router
	mockDB  *testutil.MockDB
	gateway *stubGateway
	store   *handler.SessionStore
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	svc, mockDB := newTestService(t)

	gateway := &stubGateway{
		results: map[ocr.Side]ocr.Extraction{
			ocr.SideFront: ocr.Extraction(testutil.FrontOCRFixture()),
			ocr.SideBack:  ocr.Extraction(testutil.BackOCRFixture()),
		},
		errs: map[ocr.Side]error{},
	}

	store := handler.NewSessionStore(time.Minute)
	t.Cleanup(store.Close)

	sh := handler.NewSessionHandler(svc, gateway, store, config.SessionConfig{TTL: time.Minute}, logger.Nop())

	r := chi.NewRouter()
	r.Route("/api/v1/sessions", sh.Routes)
	return &sessionEnv{router: r, mockDB: mockDB, gateway: gateway, store: store}
}

func (e *sessionEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *sessionEnv) open(t *testing.T, body map[string]any) session.State {
	t.Helper()
	rec := e.do(testutil.NewHTTPRequest(http.MethodPost, "/api/v1/sessions", body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var state session.State
	decodeEnvelope(t, rec, &state)
	return state
}

func (e *sessionEnv) state(t *testing.T, id string) session.State {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var state session.State
	decodeEnvelope(t, rec, &state)
	return state
}

// waitIdle polls session state until both sides finish extracting
func (e *sessionEnv) waitIdle(t *testing.T, id string) session.State {
	t.Helper()
	var state session.State
	require.Eventually(t, func() bool {
		state = e.state(t, id)
		return !state.FrontLoading && !state.BackLoading
	}, 2*time.Second, 5*time.Millisecond)
	return state
}

func uploadRequest(t *testing.T, path, filename, mime string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	hdr.Set("Content-Type", mime)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func expectEmptyIDSet(mockDB *testutil.MockDB) {
	mockDB.Mock.ExpectQuery("SELECT id_number FROM records").
		WillReturnRows(testutil.MockRows("id_number"))
}

func TestSessionHandler_FullCreateFlow(t *testing.T) {
	env := newSessionEnv(t)
	expectEmptyIDSet(env.mockDB)

	state := env.open(t, nil)
	assert.Equal(t, session.StepFront, state.Step)
	assert.False(t, state.IsEdit)
	id := state.ID

	// front side: upload kicks off extraction
	rec := env.do(uploadRequest(t, "/api/v1/sessions/"+id+"/images/front", "front.jpg", "image/jpeg", []byte("jpegdata")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	state = env.waitIdle(t, id)
	require.True(t, state.FrontSelected)
	assert.Equal(t, "علي حسن", state.Draft.Front.Name)
	assert.Equal(t, "29505157654321", state.Draft.Front.NationalID)
	assert.Equal(t, "٢٩٥٠٥١٥٧٦٥٤٣٢١", state.DisplayID)
	assert.Equal(t, "1995-05-15", state.Draft.Front.DateOfBirth)
	require.NotNil(t, state.Draft.Front.Age)

	// move to the back step and upload the back side
	rec = env.do(testutil.NewHTTPRequest(http.MethodPost, "/api/v1/sessions/"+id+"/step", map[string]any{"step": "back"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(uploadRequest(t, "/api/v1/sessions/"+id+"/images/back", "back.jpg", "image/jpeg", []byte("jpegdata")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	state = env.waitIdle(t, id)
	assert.Equal(t, "married", state.Draft.Back.MaritalStatus)
	assert.Equal(t, "ذكر", state.Draft.Back.Gender)

	// save and confirm persists the record
	rec = env.do(testutil.NewHTTPRequest(http.MethodPost, "/api/v1/sessions/"+id+"/save", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	now := time.Now().UTC()
	env.mockDB.Mock.ExpectQuery("INSERT INTO records").
		WillReturnRows(testutil.MockRows("id", "created_at", "updated_at").AddRow(int64(7), now, now))

	rec = env.do(testutil.NewHTTPRequest(http.MethodPost, "/api/v1/sessions/"+id+"/confirm", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var saved domain.Record
	decodeEnvelope(t, rec, &saved)
	assert.Equal(t, int64(7), saved.ID)
	assert.Equal(t, "29505157654321", saved.IDNumber)

	// session is torn down after a confirmed save
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env.mockDB.ExpectationsWereMet(t)
}

func TestSessionHandler_UploadRejectsNonImage(t *testing.T) {
	env := newSessionEnv(t)
	expectEmptyIDSet(env.mockDB)

	state := env.open(t, nil)

	rec := env.do(uploadRequest(t, "/api/v1/sessions/"+state.ID+"/images/front", "scan.pdf", "application/pdf", []byte("%PDF-1.4")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	e := decodeEnvelope(t, rec, nil)
	require.NotNil(t, e.Error)
	assert.Equal(t, "VALIDATION_ERROR", e.Error.Code)

	// the rejected file never reaches the recognizer
	assert.Equal(t, 0, env.gateway.callCount())
}

func TestSessionHandler_StepGateBlocksEmptyFront(t *testing.T) {
	env := newSessionEnv(t)
	expectEmptyIDSet(env.mockDB)

	state := env.open(t, map[string]any{"manual": true})

	rec := env.do(testutil.NewHTTPRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/step", map[string]any{"step": "back"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	e := decodeEnvelope(t, rec, nil)
	require.NotNil(t, e.Error)
	assert.Equal(t, "VALIDATION_ERROR", e.Error.Code)
}

func TestSessionHandler_ManualFieldsAndIdentifierDerivation(t *testing.T) {
	env := newSessionEnv(t)
	expectEmptyIDSet(env.mockDB)

	state := env.open(t, map[string]any{"manual": true})
	id := state.ID

	rec := env.do(testutil.NewHTTPRequest(http.MethodPut, "/api/v1/sessions/"+id+"/fields", map[string]string{
		"name":       "Mona Adel",
		"nationalId": "٣٠١٠١٠١٢٣٤٥٦٧٨",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got session.State
	decodeEnvelope(t, rec, &got)
	assert.Equal(t, "30101012345678", got.Draft.Front.NationalID)
	assert.Equal(t, "2001-01-01", got.Draft.Front.DateOfBirth)
	require.NotNil(t, got.Draft.Front.Age)

	// manual sessions never call the recognizer
	assert.Equal(t, 0, env.gateway.callCount())
}

func TestSessionHandler_EditFlow(t *testing.T) {
	env := newSessionEnv(t)
	fixture := testutil.NewRecordFixture()

	env.mockDB.Mock.ExpectQuery("SELECT (.+) FROM records").
		WithArgs(fixture.ID).
		WillReturnRows(fixtureRow(fixture))

	state := env.open(t, map[string]any{"record_id": fixture.ID})
	require.True(t, state.IsEdit)
	assert.Equal(t, fixture.Name, state.Draft.Front.Name)
	assert.Equal(t, fixture.IDNumber, state.Draft.Front.NationalID)

	// cancelling discards the session without touching the database
	rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+state.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env.mockDB.ExpectationsWereMet(t)
}

func TestSessionHandler_UnknownSession(t *testing.T) {
	env := newSessionEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/no-such-session", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	e := decodeEnvelope(t, rec, nil)
	require.NotNil(t, e.Error)
	assert.Equal(t, "NOT_FOUND", e.Error.Code)
}

func TestSessionHandler_ConfirmRequiresSavePrompt(t *testing.T) {
	env := newSessionEnv(t)
	expectEmptyIDSet(env.mockDB)

	state := env.open(t, map[string]any{"manual": true})

	rec := env.do(testutil.NewHTTPRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/confirm", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionStore_ReapsIdleSessions(t *testing.T) {
	store := handler.NewSessionStore(40 * time.Millisecond)
	defer store.Close()

	s := session.New(session.Config{}, &stubGateway{}, logger.Nop())
	store.Put(&handler.SessionEntry{Session: s})
	id := s.ID().String()

	require.NotNil(t, store.Get(id))

	// Get refreshes the idle timer, so wait out the TTL without touching
	// the entry before checking it was reaped
	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, store.Get(id))
}
