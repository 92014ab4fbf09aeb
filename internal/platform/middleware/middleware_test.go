package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medidash/medidash/internal/platform/auth"
)

func newCtx(method, target string) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return echo.New().NewContext(httptest.NewRequest(method, target, nil), rec), rec
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when absent", "", false},
		{"caller id kept", "dash-4f2a", true},
		{"oversized id replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newCtx(http.MethodGet, "/api/v1/patients")
			if tt.incoming != "" {
				c.Request().Header.Set(RequestIDHeader, tt.incoming)
			}

			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := rec.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("header %q and context %q disagree", got, seen)
			}
			if tt.keep && got != tt.incoming {
				t.Errorf("expected %q to be kept, got %q", tt.incoming, got)
			}
			if !tt.keep && len(got) != 36 {
				t.Errorf("expected a generated uuid, got %q", got)
			}
		})
	}
}

func TestLogger_IncludesActorAndClinic(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newCtx(http.MethodDelete, "/api/v1/patients/p1/records/r1")
	req := c.Request()
	c.SetRequest(req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: "doc-7", Roles: []string{auth.RoleDoctor}})))
	c.Set("clinic_id", "north")
	c.Set("request_id", "req-1")

	_ = Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	})(c)

	out := buf.String()
	for _, want := range []string{`"user":"doc-7"`, `"clinic":"north"`, `"status":404`, `"request_id":"req-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestRecovery(t *testing.T) {
	t.Run("passes through", func(t *testing.T) {
		c, _ := newCtx(http.MethodGet, "/ok")
		if err := Recovery(zerolog.Nop())(func(echo.Context) error { return nil })(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("panic becomes 500", func(t *testing.T) {
		var buf bytes.Buffer
		c, _ := newCtx(http.MethodPost, "/api/v1/patients")
		c.Set("request_id", "req-9")

		err := Recovery(zerolog.New(&buf))(func(echo.Context) error {
			panic("nil map write")
		})(c)

		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %v", err)
		}
		if he.Internal == nil || he.Internal.Error() != "nil map write" {
			t.Errorf("panic value should be kept as internal error, got %v", he.Internal)
		}

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		if entry["message"] != "panic recovered" || entry["request_id"] != "req-9" {
			t.Errorf("unexpected log entry: %v", entry)
		}
		if s, _ := entry["stack"].(string); s == "" {
			t.Error("stack missing from log entry")
		}
	})

	t.Run("abort is re-raised", func(t *testing.T) {
		c, _ := newCtx(http.MethodGet, "/live")
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Fatalf("expected ErrAbortHandler to propagate, got %v", r)
			}
		}()
		_ = Recovery(zerolog.Nop())(func(echo.Context) error {
			panic(http.ErrAbortHandler)
		})(c)
	})
}
