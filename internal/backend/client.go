// Package backend is the HTTP client for the clinical data backend: patient
// lookups, observation listing, HL7 parsing, patient search, FHIR to HL7
// conversion and the generic API proxy. Every payload is returned as opaque
// JSON; the backend owns its schema.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// maxResponseBytes bounds how much of a backend response is buffered.
const maxResponseBytes = 10 << 20

// Operation names, used in errors and logs.
const (
	OpGetPatient      = "get patient"
	OpGetObservations = "get observations"
	OpParseHL7        = "parse hl7"
	OpSearchPatients  = "search patients"
	OpCallAPI         = "call api"
	OpFHIRToHL7       = "convert fhir to hl7"
	OpPing            = "ping"
)

// Proxy methods accepted by the backend's /call-api endpoint.
var ProxyMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// SearchParams is the body of POST /patients/search. Name is required by the
// dashboard; the remaining filters are optional.
type SearchParams struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
	BirthDate  string `json:"birthdate,omitempty"`
	Gender     string `json:"gender,omitempty"`
}

// ProxyRequest is the body of POST /call-api.
type ProxyRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type hl7Message struct {
	Message string `json:"message"`
}

type fhirData struct {
	Data json.RawMessage `json:"data"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger used for call tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the backend at a fixed base URL.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Client for baseURL. A trailing slash on baseURL is
// ignored.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend origin the client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetPatient fetches GET /patient/{id}.
func (c *Client) GetPatient(ctx context.Context, patientID string) (json.RawMessage, error) {
	return c.do(ctx, OpGetPatient, http.MethodGet, "/patient/"+url.PathEscape(patientID), nil)
}

// GetObservations fetches GET /patient/{id}/observations.
func (c *Client) GetObservations(ctx context.Context, patientID string) (json.RawMessage, error) {
	return c.do(ctx, OpGetObservations, http.MethodGet, "/patient/"+url.PathEscape(patientID)+"/observations", nil)
}

// ParseHL7 posts a raw HL7 v2 message to POST /hl7/parse.
func (c *Client) ParseHL7(ctx context.Context, message string) (json.RawMessage, error) {
	return c.do(ctx, OpParseHL7, http.MethodPost, "/hl7/parse", hl7Message{Message: message})
}

// SearchPatients posts to POST /patients/search.
func (c *Client) SearchPatients(ctx context.Context, params SearchParams) (json.RawMessage, error) {
	return c.do(ctx, OpSearchPatients, http.MethodPost, "/patients/search", params)
}

// CallAPI asks the backend to perform req on the caller's behalf.
func (c *Client) CallAPI(ctx context.Context, req ProxyRequest) (json.RawMessage, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return c.do(ctx, OpCallAPI, http.MethodPost, "/call-api", req)
}

// ConvertFHIRToHL7 posts a FHIR resource to POST /fhir-to-hl7.
func (c *Client) ConvertFHIRToHL7(ctx context.Context, resource json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, OpFHIRToHL7, http.MethodPost, "/fhir-to-hl7", fhirData{Data: resource})
}

// Ping fetches the backend root document.
func (c *Client) Ping(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, OpPing, http.MethodGet, "/", nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &RequestError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &RequestError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	rid := RequestIDFromContext(ctx)
	if rid != "" {
		req.Header.Set(RequestIDHeader, rid)
	}

	log := c.logger.With().Str("op", op).Str("request_id", rid).Logger()
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Dur("latency", time.Since(start)).Msg("backend request failed")
		return nil, &RequestError{Op: op, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		log.Warn().Err(err).Int("status", resp.StatusCode).Msg("backend response read failed")
		return nil, &RequestError{Op: op, StatusCode: 0, Err: fmt.Errorf("read response: %w", err)}
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := extractDetail(data)
		log.Warn().Int("status", resp.StatusCode).Str("detail", detail).Msg("backend returned error status")
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Detail: detail}
	}

	if len(data) > maxResponseBytes {
		log.Warn().Int("status", resp.StatusCode).Msg("backend response too large")
		return nil, &RequestError{Op: op, Detail: fmt.Sprintf("response too large (over %d MB)", maxResponseBytes>>20)}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		log.Warn().Int("status", resp.StatusCode).Msg("backend returned malformed json")
		return nil, &RequestError{Op: op, Detail: "response is not valid JSON"}
	}
	return json.RawMessage(data), nil
}

// unwrapURLError drops the *url.Error wrapper so messages read
// "connection refused" rather than repeating method and URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return fmt.Errorf("timed out: %w", ue.Err)
		}
		return ue.Err
	}
	return err
}
