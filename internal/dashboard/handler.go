package dashboard

import (
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/ehr/dashboard/internal/backend"
	"github.com/ehr/dashboard/internal/platform/middleware"
	"github.com/ehr/dashboard/pkg/pagination"
)

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "ehr_dashboard_session"

const sessionContextKey = "dashboard_session"

// TokenSigner issues and verifies session tokens. Parse returns the session
// id and the token's expiry.
type TokenSigner interface {
	Issue(sessionID string) (string, error)
	Parse(token string) (string, time.Time, error)
}

type Handler struct {
	svc          *Service
	store        *Store
	tokens       TokenSigner
	backendURL   string
	secureCookie bool
	cookieTTL    time.Duration
	now          func() time.Time
}

// HandlerConfig carries the presentation settings of the dashboard.
type HandlerConfig struct {
	BackendURL   string
	SecureCookie bool
	CookieTTL    time.Duration
}

func NewHandler(svc *Service, store *Store, tokens TokenSigner, cfg HandlerConfig) *Handler {
	return &Handler{
		svc:          svc,
		store:        store,
		tokens:       tokens,
		backendURL:   cfg.BackendURL,
		secureCookie: cfg.SecureCookie,
		cookieTTL:    cfg.CookieTTL,
		now:          time.Now,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Page, h.WithSession)
	e.POST("/actions/:action", h.SubmitForm, h.WithSession)

	api := e.Group("/api/v1")
	api.GET("/state", h.GetState, h.WithSession)
	api.POST("/actions/:action", h.SubmitJSON, h.WithSession)
	api.GET("/results/:panel", h.ListResults, h.WithSession)
}

// WithSession resolves the session cookie, starting a new session when the
// cookie is missing, invalid or refers to an evicted session. A token past
// half its lifetime is reissued so an active session keeps its cookie.
func (h *Handler) WithSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			if id, exp, err := h.tokens.Parse(cookie.Value); err == nil {
				if sess, err := h.store.Get(id); err == nil {
					if exp.Sub(h.now()) < h.cookieTTL/2 {
						if err := h.issueCookie(c, sess.ID); err != nil {
							return err
						}
					}
					setSession(c, sess)
					return next(c)
				}
			}
		}

		sess := h.store.Create()
		if err := h.issueCookie(c, sess.ID); err != nil {
			return err
		}
		setSession(c, sess)
		return next(c)
	}
}

func (h *Handler) issueCookie(c echo.Context, sessionID string) error {
	token, err := h.tokens.Issue(sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start session")
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

func setSession(c echo.Context, sess *Session) {
	c.Set(sessionContextKey, sess)
	c.Set(middleware.SessionIDKey, sess.ID)
}

// SessionFromContext returns the session resolved by WithSession.
func SessionFromContext(c echo.Context) *Session {
	sess, _ := c.Get(sessionContextKey).(*Session)
	return sess
}

// Page renders the dashboard.
func (h *Handler) Page(c echo.Context) error {
	sess := SessionFromContext(c)
	return c.Render(http.StatusOK, pageTemplate, newPageData(sess.Snapshot(), h.backendURL))
}

// SubmitForm handles a browser form post and redirects back to the page so a
// reload does not resubmit.
func (h *Handler) SubmitForm(c echo.Context) error {
	action, ok := ParseAction(c.Param("action"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown action")
	}
	if _, err := h.run(c, action); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return err
		}
	}
	return c.Redirect(http.StatusSeeOther, "/#"+string(action.Panel()))
}

// GetState returns the session state as JSON.
func (h *Handler) GetState(c echo.Context) error {
	return c.JSON(http.StatusOK, NewView(SessionFromContext(c).Snapshot()))
}

// SubmitJSON runs an action from a JSON body and returns the resulting state.
// A backend failure is part of the state, not an HTTP error.
func (h *Handler) SubmitJSON(c echo.Context) error {
	action, ok := ParseAction(c.Param("action"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown action")
	}
	st, err := h.run(c, action)
	if err == nil {
		return c.JSON(http.StatusOK, NewView(st))
	}

	var (
		httpErr   *echo.HTTPError
		verr      *ValidationError
		failedErr *RequestFailedError
	)
	switch {
	case errors.As(err, &httpErr):
		return err
	case errors.Is(err, ErrBusy):
		return c.JSON(http.StatusConflict, NewView(st))
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, NewView(st))
	case errors.As(err, &failedErr):
		return c.JSON(http.StatusOK, NewView(st))
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// ListResults pages through a list-valued panel.
func (h *Handler) ListResults(c echo.Context) error {
	panel := Panel(c.Param("panel"))
	if panel != PanelObservations && panel != PanelSearch {
		return echo.NewHTTPError(http.StatusNotFound, "unknown result list")
	}

	st := SessionFromContext(c).Snapshot()
	raw := st.Result(panel)

	var items []json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "result is not a list")
		}
	}

	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(items))
	page := items[start:end]
	if page == nil {
		page = []json.RawMessage{}
	}
	resp := pagination.NewResponse(page, len(items), pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, len(items))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) run(c echo.Context, action Action) (State, error) {
	sess := SessionFromContext(c)
	rid, _ := c.Get(middleware.RequestIDKey).(string)
	ctx := backend.WithRequestID(c.Request().Context(), rid)

	switch action {
	case ActionPatient, ActionObservations:
		var f PatientForm
		if err := c.Bind(&f); err != nil {
			return State{}, echo.NewHTTPError(http.StatusBadRequest, "invalid form")
		}
		if action == ActionPatient {
			return h.svc.FetchPatient(ctx, sess, f)
		}
		return h.svc.FetchObservations(ctx, sess, f)
	case ActionParseHL7:
		var f HL7Form
		if err := c.Bind(&f); err != nil {
			return State{}, echo.NewHTTPError(http.StatusBadRequest, "invalid form")
		}
		return h.svc.ParseMessage(ctx, sess, f)
	case ActionSearch:
		var f SearchForm
		if err := c.Bind(&f); err != nil {
			return State{}, echo.NewHTTPError(http.StatusBadRequest, "invalid form")
		}
		return h.svc.SearchPatients(ctx, sess, f)
	case ActionCallAPI:
		var f APIForm
		if err := c.Bind(&f); err != nil {
			return State{}, echo.NewHTTPError(http.StatusBadRequest, "invalid form")
		}
		return h.svc.CallAPI(ctx, sess, f)
	case ActionFHIRToHL7:
		var f FHIRForm
		if err := c.Bind(&f); err != nil {
			return State{}, echo.NewHTTPError(http.StatusBadRequest, "invalid form")
		}
		return h.svc.ConvertToHL7(ctx, sess, f)
	}
	return State{}, echo.NewHTTPError(http.StatusNotFound, "unknown action")
}
