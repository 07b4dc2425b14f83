package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

const testSpec = `
openapi: 3.0.3
info:
  title: test
  version: 1.0.0
paths:
  /v1/chat/completions:
    post:
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              required:
                - messages
              properties:
                messages:
                  type: array
                  minItems: 1
                  items:
                    type: object
                    required:
                      - role
                    properties:
                      role:
                        type: string
                      content: {}
                stream:
                  type: boolean
      responses:
        "200":
          description: ok
`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newTestMiddleware(t *testing.T, enabled bool) http.Handler {
	t.Helper()

	vm, err := NewValidationMiddleware([]byte(testSpec), ValidationConfig{Enabled: enabled}, testLogger())
	if err != nil {
		t.Fatalf("NewValidationMiddleware failed: %v", err)
	}

	// The downstream handler echoes the body so tests can confirm it
	// survived validation intact.
	return vm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

func post(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestValidation_ValidRequestPasses(t *testing.T) {
	handler := newTestMiddleware(t, true)

	body := `{"model":"x","messages":[{"role":"user","content":"hi"}]}`
	w := post(handler, body)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != body {
		t.Errorf("Body must reach the handler unmodified, got %q", w.Body.String())
	}
}

func TestValidation_UnknownFieldsPass(t *testing.T) {
	handler := newTestMiddleware(t, true)

	// The gateway forwards bodies verbatim, so extra fields must not be
	// rejected.
	body := `{"messages":[{"role":"user","content":"hi"}],"custom_vendor_field":{"a":1}}`
	w := post(handler, body)

	if w.Code != http.StatusOK {
		t.Fatalf("Unknown fields must pass validation, got %d: %s", w.Code, w.Body.String())
	}
}

func TestValidation_MissingMessagesRejected(t *testing.T) {
	handler := newTestMiddleware(t, true)

	w := post(handler, `{"model":"x"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "detail") {
		t.Errorf("Error must use the detail shape, got %s", w.Body.String())
	}
}

func TestValidation_EmptyMessagesRejected(t *testing.T) {
	handler := newTestMiddleware(t, true)

	w := post(handler, `{"messages":[]}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestValidation_MalformedJSONRejected(t *testing.T) {
	handler := newTestMiddleware(t, true)

	w := post(handler, `{"messages": [`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestValidation_UndocumentedRoutePasses(t *testing.T) {
	handler := newTestMiddleware(t, true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Undocumented routes must pass through, got %d", w.Code)
	}
}

func TestValidation_DisabledPassesEverything(t *testing.T) {
	handler := newTestMiddleware(t, false)

	w := post(handler, `{"not":"a chat request"}`)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled middleware must not validate, got %d", w.Code)
	}
}
