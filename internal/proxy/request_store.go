package proxy

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/raaihank/input-sentinel/internal/filter"
)

const (
	sourceQuery = "query"
	sourceForm  = "form"
)

// queryStore exposes the request's query string to the filter engine.
type queryStore struct {
	r *http.Request
}

func (s *queryStore) Parameters() (*filter.Parameters, error) {
	return filter.ParseParameters(s.r.URL.RawQuery)
}

func (s *queryStore) ReplaceParameters(params *filter.Parameters) error {
	s.r.URL.RawQuery = params.Encode()
	s.r.Form = nil
	return nil
}

func (s *queryStore) TrySetMutable(bool) bool {
	return true
}

// formStore exposes an application/x-www-form-urlencoded body. The body is
// buffered once and the request is given a fresh reader over it.
type formStore struct {
	r        *http.Request
	body     []byte
	maxBytes int64
}

func newFormStore(r *http.Request, maxBytes int64) (*formStore, error) {
	reader := r.Body
	if maxBytes > 0 {
		reader = http.MaxBytesReader(nil, r.Body, maxBytes)
	}

	body, err := io.ReadAll(reader)
	r.Body.Close()
	if err != nil {
		return nil, err
	}

	s := &formStore{r: r, maxBytes: maxBytes}
	s.setBody(body)
	return s, nil
}

func (s *formStore) Parameters() (*filter.Parameters, error) {
	return filter.ParseParameters(string(s.body))
}

func (s *formStore) ReplaceParameters(params *filter.Parameters) error {
	encoded := params.Encode()
	if s.maxBytes > 0 && int64(len(encoded)) > s.maxBytes {
		return fmt.Errorf("rewritten body is %d bytes, limit is %d", len(encoded), s.maxBytes)
	}
	s.setBody([]byte(encoded))
	return nil
}

func (s *formStore) TrySetMutable(bool) bool {
	return true
}

func (s *formStore) setBody(body []byte) {
	s.body = body
	s.r.Body = io.NopCloser(bytes.NewReader(body))
	s.r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	s.r.ContentLength = int64(len(body))
	s.r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	s.r.Form = nil
	s.r.PostForm = nil
}

// isFormRequest reports whether the body carries url-encoded parameters
// that can be read and rewritten.
func isFormRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}

	if r.Body == nil || r.Body == http.NoBody {
		return false
	}

	if enc := r.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded"
}
