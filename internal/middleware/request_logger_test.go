package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRequestLogger_LogsStatusAndPath(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/posts/p1", nil))

	out := buf.String()
	if !strings.Contains(out, `"status":418`) {
		t.Fatalf("log = %s, want status field", out)
	}
	if !strings.Contains(out, "/api/posts/p1") {
		t.Fatalf("log = %s, want path", out)
	}
}

func TestRequestLogger_SkipsHealth(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	if buf.Len() != 0 {
		t.Fatalf("log = %s, want nothing", buf.String())
	}
}
