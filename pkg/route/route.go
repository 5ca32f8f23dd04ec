package route

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultStatusCode is used when a route is created without a status code.
const DefaultStatusCode = 200

var (
	// ErrInvalid is wrapped by every ValidationError.
	ErrInvalid = errors.New("invalid input")

	// ErrMalformedBody is returned when a stored mock body is not valid JSON.
	ErrMalformedBody = errors.New("malformed mock body")
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation failure with errors.Is(err, ErrInvalid).
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Key identifies the request a route answers: upper-case method plus literal path.
type Key struct {
	Method string
	Path   string
}

// NewKey normalizes the method and builds a Key.
func NewKey(method, path string) Key {
	return Key{Method: NormalizeMethod(method), Path: path}
}

func (k Key) String() string {
	return k.Method + " " + k.Path
}

// NormalizeMethod upper-cases and trims an HTTP method.
func NormalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}

// Record is a mock route as persisted by a store.
type Record struct {
	ID         string    `json:"id" yaml:"id"`
	Method     string    `json:"method" yaml:"method"`
	Path       string    `json:"path" yaml:"path"`
	StatusCode int       `json:"statusCode" yaml:"statusCode"`
	MockBody   string    `json:"mockBody" yaml:"mockBody"`
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Key returns the lookup key of the record.
func (r *Record) Key() Key {
	return NewKey(r.Method, r.Path)
}

// Normalize applies ingestion rules in place: the method is upper-cased and a
// zero status code becomes DefaultStatusCode.
func (r *Record) Normalize() {
	r.Method = NormalizeMethod(r.Method)
	if r.StatusCode == 0 {
		r.StatusCode = DefaultStatusCode
	}
}

// Validate checks the structural fields of the record. It does not parse the
// mock body; that happens at synchronization time.
func (r *Record) Validate() error {
	if r.Method == "" {
		return &ValidationError{Field: "method", Message: "is required"}
	}
	if !isToken(r.Method) {
		return &ValidationError{Field: "method", Message: fmt.Sprintf("%q is not a valid HTTP method", r.Method)}
	}
	if r.Path == "" {
		return &ValidationError{Field: "path", Message: "is required"}
	}
	if !strings.HasPrefix(r.Path, "/") {
		return &ValidationError{Field: "path", Message: "must start with /"}
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return &ValidationError{Field: "statusCode", Message: fmt.Sprintf("%d is outside 100-599", r.StatusCode)}
	}
	return nil
}

// ParseBody validates the serialized mock body and returns it as raw JSON.
// An empty body is treated as JSON null.
func (r *Record) ParseBody() (json.RawMessage, error) {
	body := strings.TrimSpace(r.MockBody)
	if body == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(body)) {
		return nil, fmt.Errorf("%w: route %s", ErrMalformedBody, r.ID)
	}
	return json.RawMessage(body), nil
}

// Clone returns a copy of the record. Stores hand out clones so callers can
// never mutate stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// isToken reports whether s consists only of RFC 7230 tchar bytes.
func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// DTO is the management API representation of a mock route.
type DTO struct {
	RouteID    string          `json:"routeId,omitempty" yaml:"routeId,omitempty"`
	Method     string          `json:"method" yaml:"method"`
	Path       string          `json:"path" yaml:"path"`
	StatusCode int             `json:"statusCode,omitempty" yaml:"statusCode,omitempty"`
	Mock       json.RawMessage `json:"mock,omitempty" yaml:"-"`
	Enabled    *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CreatedAt  *time.Time      `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty" yaml:"-"`
}

// IsEnabled reports the effective enabled flag (absent means enabled).
func (d *DTO) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ToRecord converts the DTO into a normalized, validated Record. The mock
// value is compacted and stored as a JSON string.
func (d *DTO) ToRecord() (*Record, error) {
	body := "null"
	if len(bytes.TrimSpace(d.Mock)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, d.Mock); err != nil {
			return nil, &ValidationError{Field: "mock", Message: "must be valid JSON"}
		}
		body = buf.String()
	}

	rec := &Record{
		ID:         d.RouteID,
		Method:     d.Method,
		Path:       d.Path,
		StatusCode: d.StatusCode,
		MockBody:   body,
		Enabled:    d.IsEnabled(),
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// FromRecord converts a stored Record into its DTO. A body that is not valid
// JSON is returned as a JSON string so listings keep working for records the
// route table rejected.
func FromRecord(r *Record) DTO {
	enabled := r.Enabled
	d := DTO{
		RouteID:    r.ID,
		Method:     r.Method,
		Path:       r.Path,
		StatusCode: r.StatusCode,
		Enabled:    &enabled,
	}
	if body, err := r.ParseBody(); err == nil {
		d.Mock = body
	} else {
		raw, _ := json.Marshal(r.MockBody)
		d.Mock = raw
	}
	if !r.CreatedAt.IsZero() {
		t := r.CreatedAt
		d.CreatedAt = &t
	}
	if !r.UpdatedAt.IsZero() {
		t := r.UpdatedAt
		d.UpdatedAt = &t
	}
	return d
}

// FromRecords converts a slice of records.
func FromRecords(records []*Record) []DTO {
	out := make([]DTO, 0, len(records))
	for _, r := range records {
		out = append(out, FromRecord(r))
	}
	return out
}

// ProckConfig is the singleton durable proxy configuration.
type ProckConfig struct {
	UpstreamURL string `json:"upstreamUrl" yaml:"upstreamUrl"`
}

// Validate checks that the upstream URL is an absolute http(s) URL.
func (c ProckConfig) Validate() error {
	if c.UpstreamURL == "" {
		return &ValidationError{Field: "upstreamUrl", Message: "is required"}
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return &ValidationError{Field: "upstreamUrl", Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "upstreamUrl", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "upstreamUrl", Message: "host is required"}
	}
	return nil
}
