package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard/internal/backend"
)

// Backend is the part of the backend client the dashboard drives.
type Backend interface {
	GetPatient(ctx context.Context, patientID string) (json.RawMessage, error)
	GetObservations(ctx context.Context, patientID string) (json.RawMessage, error)
	ParseHL7(ctx context.Context, message string) (json.RawMessage, error)
	SearchPatients(ctx context.Context, params backend.SearchParams) (json.RawMessage, error)
	CallAPI(ctx context.Context, req backend.ProxyRequest) (json.RawMessage, error)
	ConvertFHIRToHL7(ctx context.Context, resource json.RawMessage) (json.RawMessage, error)
}

// StatePublisher receives every state change of every session.
type StatePublisher interface {
	PublishState(ctx context.Context, sessionID string, st State)
}

type nopPublisher struct{}

func (nopPublisher) PublishState(context.Context, string, State) {}

// Session is one browser's dashboard. All fields behind mu.
type Session struct {
	ID string

	mu       sync.Mutex
	state    State
	lastSeen time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, lastSeen: now, state: State{UpdatedAt: now}}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Busy reports whether an action is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Loading
}

// Service runs dashboard actions against the backend.
type Service struct {
	backend   Backend
	validate  *validator.Validate
	publisher StatePublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher sets where state changes are pushed.
func WithPublisher(p StatePublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithServiceLogger sets the action logger.
func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(b Backend, opts ...ServiceOption) *Service {
	s := &Service{
		backend:   b,
		validate:  newValidator(),
		publisher: nopPublisher{},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// request is one prepared backend call.
type request func(ctx context.Context) (json.RawMessage, error)

// plan describes an action: the form to validate, how to remember it, and
// how to turn it into a backend call. build fails with *inputError on
// malformed JSON input.
type plan struct {
	action   Action
	form     interface{}
	remember func(*Forms)
	build    func() (request, error)
}

// inputError is a JSON field that failed to parse.
type inputError struct {
	field string
	err   error
}

func (e *inputError) Error() string { return e.err.Error() }

// FetchPatient loads the patient record for form.PatientID.
func (s *Service) FetchPatient(ctx context.Context, sess *Session, form PatientForm) (State, error) {
	form.PatientID = strings.TrimSpace(form.PatientID)
	return s.execute(ctx, sess, plan{
		action:   ActionPatient,
		form:     &form,
		remember: func(f *Forms) { f.Patient = form },
		build: func() (request, error) {
			return func(ctx context.Context) (json.RawMessage, error) {
				return s.backend.GetPatient(ctx, form.PatientID)
			}, nil
		},
	})
}

// FetchObservations loads the observations for form.PatientID.
func (s *Service) FetchObservations(ctx context.Context, sess *Session, form PatientForm) (State, error) {
	form.PatientID = strings.TrimSpace(form.PatientID)
	return s.execute(ctx, sess, plan{
		action:   ActionObservations,
		form:     &form,
		remember: func(f *Forms) { f.Patient = form },
		build: func() (request, error) {
			return func(ctx context.Context) (json.RawMessage, error) {
				return s.backend.GetObservations(ctx, form.PatientID)
			}, nil
		},
	})
}

// ParseMessage sends an HL7 v2 message to the backend parser. Segment
// separators typed as newlines are normalised to carriage returns.
func (s *Service) ParseMessage(ctx context.Context, sess *Session, form HL7Form) (State, error) {
	remembered := form
	form.Message = strings.TrimSpace(form.Message)
	return s.execute(ctx, sess, plan{
		action:   ActionParseHL7,
		form:     &form,
		remember: func(f *Forms) { f.HL7 = remembered },
		build: func() (request, error) {
			msg := normalizeSegments(form.Message)
			return func(ctx context.Context) (json.RawMessage, error) {
				return s.backend.ParseHL7(ctx, msg)
			}, nil
		},
	})
}

// SearchPatients searches by name plus the optional filters.
func (s *Service) SearchPatients(ctx context.Context, sess *Session, form SearchForm) (State, error) {
	form.Name = strings.TrimSpace(form.Name)
	form.Identifier = strings.TrimSpace(form.Identifier)
	form.BirthDate = strings.TrimSpace(form.BirthDate)
	form.Gender = strings.ToLower(strings.TrimSpace(form.Gender))
	return s.execute(ctx, sess, plan{
		action:   ActionSearch,
		form:     &form,
		remember: func(f *Forms) { f.Search = form },
		build: func() (request, error) {
			params := backend.SearchParams{
				Name:       form.Name,
				Identifier: form.Identifier,
				BirthDate:  form.BirthDate,
				Gender:     form.Gender,
			}
			return func(ctx context.Context) (json.RawMessage, error) {
				return s.backend.SearchPatients(ctx, params)
			}, nil
		},
	})
}

// CallAPI proxies an arbitrary request through the backend. Data and Headers
// must be JSON objects when set.
func (s *Service) CallAPI(ctx context.Context, sess *Session, form APIForm) (State, error) {
	form.URL = strings.TrimSpace(form.URL)
	form.Method = strings.ToUpper(strings.TrimSpace(form.Method))
	if form.Method == "" {
		form.Method = http.MethodGet
	}
	return s.execute(ctx, sess, plan{
		action:   ActionCallAPI,
		form:     &form,
		remember: func(f *Forms) { f.API = form },
		build: func() (request, error) {
			data, err := parseJSONObject(form.Data, "request data")
			if err != nil {
				return nil, &inputError{field: "data", err: err}
			}
			headers, err := parseHeaders(form.Headers)
			if err != nil {
				return nil, &inputError{field: "headers", err: err}
			}
			req := backend.ProxyRequest{
				URL:     form.URL,
				Method:  form.Method,
				Data:    data,
				Headers: headers,
			}
			return func(ctx context.Context) (json.RawMessage, error) {
				return s.backend.CallAPI(ctx, req)
			}, nil
		},
	})
}

// ConvertToHL7 asks the backend to render a FHIR resource as HL7 v2.
func (s *Service) ConvertToHL7(ctx context.Context, sess *Session, form FHIRForm) (State, error) {
	remembered := form
	form.Resource = strings.TrimSpace(form.Resource)
	return s.execute(ctx, sess, plan{
		action:   ActionFHIRToHL7,
		form:     &form,
		remember: func(f *Forms) { f.FHIR = remembered },
		build: func() (request, error) {
			resource, err := parseJSONObject(form.Resource, "FHIR resource")
			if err != nil {
				return nil, &inputError{field: "resource", err: err}
			}
			return func(ctx context.Context) (json.RawMessage, error) {
				return s.backend.ConvertFHIRToHL7(ctx, resource)
			}, nil
		},
	})
}

// execute runs the shared action flow: validate, set loading, call, apply
// the result, clear loading. Validation and JSON failures never reach the
// backend.
func (s *Service) execute(ctx context.Context, sess *Session, p plan) (State, error) {
	log := s.logger.With().Str("session_id", sess.ID).Str("action", string(p.action)).Logger()

	sess.mu.Lock()
	if sess.state.Loading {
		snap := sess.state.clone()
		sess.mu.Unlock()
		log.Debug().Msg("action rejected, request in flight")
		return snap, ErrBusy
	}

	p.remember(&sess.state.Forms)
	sess.state.Validation = nil

	if fields := checkForm(s.validate, p.form); len(fields) > 0 {
		verr := &ValidationError{Fields: fields}
		sess.state.Validation = fields
		sess.state.Error = verr.Message()
		snap := s.touch(sess)
		sess.mu.Unlock()
		s.publisher.PublishState(ctx, sess.ID, snap)
		return snap, verr
	}

	call, err := p.build()
	if err != nil {
		field := "form"
		var ie *inputError
		if errors.As(err, &ie) {
			field = ie.field
		}
		verr := &ValidationError{Fields: map[string]string{field: err.Error()}}
		sess.state.Validation = verr.Fields
		sess.state.Error = err.Error()
		sess.state.setResult(p.action.Panel(), nil)
		snap := s.touch(sess)
		sess.mu.Unlock()
		s.publisher.PublishState(ctx, sess.ID, snap)
		return snap, verr
	}

	sess.state.Loading = true
	sess.state.Active = p.action
	snap := s.touch(sess)
	sess.mu.Unlock()
	s.publisher.PublishState(ctx, sess.ID, snap)

	start := s.now()
	result, callErr := call(ctx)

	var failure *RequestFailedError
	if callErr != nil {
		failure = &RequestFailedError{Action: p.action, Reason: reason(callErr), Err: callErr}
	}

	sess.mu.Lock()
	if failure != nil {
		sess.state.setResult(p.action.Panel(), nil)
		sess.state.Error = failure.Error()
	} else {
		sess.state.setResult(p.action.Panel(), result)
		sess.state.Error = ""
	}
	sess.state.Loading = false
	sess.state.Active = ""
	snap = s.touch(sess)
	sess.mu.Unlock()

	// The request context may already be gone; the final state still has
	// to reach live subscribers.
	s.publisher.PublishState(context.WithoutCancel(ctx), sess.ID, snap)

	evt := log.Info()
	if failure != nil {
		evt = log.Warn().Err(callErr)
	}
	evt.Dur("latency", s.now().Sub(start)).Bool("ok", failure == nil).Msg("dashboard action")

	if failure != nil {
		return snap, failure
	}
	return snap, nil
}

// touch stamps the state and the session's activity time. Caller holds mu.
func (s *Service) touch(sess *Session) State {
	now := s.now()
	sess.state.UpdatedAt = now
	sess.lastSeen = now
	return sess.state.clone()
}

func reason(err error) string {
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Reason()
	}
	return err.Error()
}

// normalizeSegments converts typed line breaks into the HL7 segment
// terminator.
func normalizeSegments(msg string) string {
	msg = strings.ReplaceAll(msg, "\r\n", "\r")
	return strings.ReplaceAll(msg, "\n", "\r")
}
