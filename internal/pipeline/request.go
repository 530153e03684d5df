package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/opsdesk/console-client-go/internal/model"
)

// Class separates credential calls (login, registration, credential
// change, the renewal call itself) from standard calls. A credential
// call that fails with 401 surfaces AuthInvalid directly and never
// triggers the renewal flow.
type Class int

const (
	ClassStandard Class = iota
	ClassCredential
)

// Request describes one outbound platform API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil
	Role   model.Role
	Class  Class
}

// Response is a fully-read platform API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}
