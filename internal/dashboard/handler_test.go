package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/ehr/dashboard/internal/backend"
	"github.com/ehr/dashboard/internal/platform/auth"
)

// plainTokens uses the session id as its own token.
type plainTokens struct{}

func (plainTokens) Issue(id string) (string, error) { return "tok." + id, nil }

func (plainTokens) Parse(token string) (string, time.Time, error) {
	id, ok := strings.CutPrefix(token, "tok.")
	if !ok {
		return "", time.Time{}, errors.New("bad token")
	}
	return id, time.Now().Add(time.Hour), nil
}

type testServer struct {
	e     *echo.Echo
	store *Store
	fb    *fakeBackend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	fb := &fakeBackend{}
	store := NewStore(time.Hour)
	h := NewHandler(NewService(fb), store, plainTokens{}, HandlerConfig{
		BackendURL: "http://backend:8000",
		CookieTTL:  time.Hour,
	})

	e := echo.New()
	e.Renderer = renderer
	h.RegisterRoutes(e)
	return &testServer{e: e, store: store, fb: fb}
}

func (s *testServer) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) State {
	t.Helper()
	var st State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state %q: %v", rec.Body.String(), err)
	}
	return st
}

func TestHandler_PageStartsSession(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EHR Integration Dashboard") {
		t.Error("expected dashboard page")
	}
	if !strings.Contains(rec.Body.String(), "http://backend:8000") {
		t.Error("expected backend url on page")
	}

	c := sessionCookie(t, rec)
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags: httpOnly=%v sameSite=%v", c.HttpOnly, c.SameSite)
	}
	if srv.store.Len() != 1 {
		t.Errorf("sessions = %d", srv.store.Len())
	}

	// The cookie keeps the same session.
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), c)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("expected no new cookie for a known session")
	}
	if srv.store.Len() != 1 {
		t.Errorf("sessions = %d", srv.store.Len())
	}
}

func TestHandler_InvalidCookieStartsNewSession(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), &http.Cookie{Name: SessionCookie, Value: "forged"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sessionCookie(t, rec)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), &http.Cookie{Name: SessionCookie, Value: "tok.evicted"})
	sessionCookie(t, rec)
	if srv.store.Len() != 2 {
		t.Errorf("sessions = %d, want 2", srv.store.Len())
	}
}

func TestHandler_ActiveSessionRenewsCookie(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	fb := &fakeBackend{respond: func(context.Context, string, interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"42"}`), nil
	}}
	store := NewStore(time.Hour)
	store.now = now
	tokens := auth.NewSessionTokens([]byte("0123456789abcdef0123456789abcdef"), time.Hour, auth.WithClock(now))
	h := NewHandler(NewService(fb), store, tokens, HandlerConfig{CookieTTL: time.Hour})
	h.now = now

	e := echo.New()
	h.RegisterRoutes(e)
	srv := &testServer{e: e, store: store, fb: fb}

	rec := srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/patient", `{"patient_id":"42"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	first := sessionCookie(t, rec)

	// Early in the token's life the cookie is left alone.
	clock = clock.Add(20 * time.Minute)
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), first)
	if len(rec.Result().Cookies()) != 0 {
		t.Error("expected no new cookie before half the lifetime")
	}

	// Past half its lifetime the token is reissued for the same session.
	clock = clock.Add(20 * time.Minute)
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), first)
	renewed := sessionCookie(t, rec)
	if renewed.Value == first.Value {
		t.Fatal("expected a fresh token")
	}
	if string(decodeState(t, rec).Patient) != `{"id":"42"}` {
		t.Error("expected state kept on renewal")
	}

	// After the first token would have expired the renewed one still works.
	clock = clock.Add(50 * time.Minute)
	store.Sweep()
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), renewed)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if string(decodeState(t, rec).Patient) != `{"id":"42"}` {
		t.Errorf("patient = %s", decodeState(t, rec).Patient)
	}
	if store.Len() != 1 {
		t.Errorf("sessions = %d, want 1", store.Len())
	}

	// The original token has expired and starts a new session.
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/state", nil), first)
	sessionCookie(t, rec)
	if store.Len() != 2 {
		t.Errorf("sessions = %d, want 2", store.Len())
	}
}

func TestHandler_SubmitJSON_Success(t *testing.T) {
	srv := newTestServer(t)
	srv.fb.respond = func(context.Context, string, interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"resourceType":"Patient","id":"42"}`), nil
	}

	rec := srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/patient", `{"patient_id":"42"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if string(st.Patient) != `{"resourceType":"Patient","id":"42"}` {
		t.Errorf("patient = %s", st.Patient)
	}
	if st.Loading {
		t.Error("expected settled state")
	}
}

func TestHandler_SubmitJSON_StatusMapping(t *testing.T) {
	srv := newTestServer(t)
	srv.fb.respond = func(context.Context, string, interface{}) (json.RawMessage, error) {
		return nil, &backend.RequestError{Op: backend.OpSearchPatients, StatusCode: http.StatusInternalServerError}
	}

	rec := srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/search", `{"name":""}`), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("validation status = %d", rec.Code)
	}
	if st := decodeState(t, rec); st.Validation["name"] == "" {
		t.Errorf("expected name validation, got %v", st.Validation)
	}

	rec = srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/search", `{"name":"Smith"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("backend failure status = %d", rec.Code)
	}
	st := decodeState(t, rec)
	if st.Error != "Failed to search patients: status 500: Internal Server Error" {
		t.Errorf("error = %q", st.Error)
	}

	rec = srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/delete-everything", `{}`), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", rec.Code)
	}
}

func TestHandler_SubmitJSON_Busy(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	cookie := sessionCookie(t, rec)
	id, _, _ := plainTokens{}.Parse(cookie.Value)
	sess, err := srv.store.Get(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	sess.mu.Lock()
	sess.state.Loading = true
	sess.mu.Unlock()

	rec = srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/patient", `{"patient_id":"1"}`), cookie)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if srv.fb.callCount() != 0 {
		t.Error("backend must not be called while busy")
	}
}

func TestHandler_SubmitForm_Redirects(t *testing.T) {
	srv := newTestServer(t)
	srv.fb.respond = func(context.Context, string, interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"segments":[{"name":"MSH"}]}`), nil
	}

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	cookie := sessionCookie(t, rec)

	form := url.Values{"message": {"MSH|^~\\&|LAB"}}
	req := httptest.NewRequest(http.MethodPost, "/actions/hl7", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec = srv.do(req, cookie)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get(echo.HeaderLocation); loc != "/#parsed" {
		t.Errorf("location = %q", loc)
	}

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/", nil), cookie)
	body := rec.Body.String()
	if !strings.Contains(body, "Parsed HL7 Message") {
		t.Error("expected parsed panel on page")
	}
	if !strings.Contains(body, "&#34;segments&#34;: [\n") {
		t.Errorf("expected indented, escaped JSON on page, got %s", body)
	}
}

func TestHandler_SubmitForm_ValidationShowsOnPage(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	cookie := sessionCookie(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/actions/patient", strings.NewReader("patient_id="))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec = srv.do(req, cookie)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/", nil), cookie)
	if !strings.Contains(rec.Body.String(), "Please enter a patient ID") {
		t.Error("expected validation message on page")
	}
	if srv.fb.callCount() != 0 {
		t.Error("backend must not be called")
	}
}

func TestHandler_SubmitForm_UnknownAction(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(httptest.NewRequest(http.MethodPost, "/actions/nope", nil), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_ListResults_Paginates(t *testing.T) {
	srv := newTestServer(t)
	srv.fb.respond = func(context.Context, string, interface{}) (json.RawMessage, error) {
		return json.RawMessage(`[{"id":"o1"},{"id":"o2"},{"id":"o3"}]`), nil
	}

	rec := srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/observations", `{"patient_id":"p1"}`), nil)
	cookie := sessionCookie(t, rec)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/results/observations?limit=2", nil), cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var page struct {
		Data    []map[string]string `json:"data"`
		Total   int                 `json:"total"`
		HasMore bool                `json:"has_more"`
		Links   map[string]string   `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data) != 2 || page.Data[0]["id"] != "o1" {
		t.Errorf("data = %v", page.Data)
	}
	if page.Total != 3 || !page.HasMore {
		t.Errorf("total=%d has_more=%v", page.Total, page.HasMore)
	}
	if page.Links["next"] != "/api/v1/results/observations?offset=2&limit=2" {
		t.Errorf("next = %q", page.Links["next"])
	}
}

func TestHandler_ListResults_EmptyAndNonList(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/results/search", nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data list, got %s", rec.Body.String())
	}

	srv.fb.respond = func(context.Context, string, interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"resourceType":"Bundle"}`), nil
	}
	cookie := sessionCookie(t, rec)
	srv.do(jsonRequest(http.MethodPost, "/api/v1/actions/search", `{"name":"x"}`), cookie)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/results/search", nil), cookie)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/results/patient", nil), cookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
