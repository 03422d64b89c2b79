package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/hipaa"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"generated when absent", "", false},
		{"inbound id kept", "rid-from-gateway", true},
		{"oversized id replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
				t.Fatalf("request id %q not echoed in header %q", seen, rec.Header().Get(RequestIDHeader))
			}
			if (seen == tt.inbound) != tt.keep {
				t.Errorf("inbound %q kept = %v, want %v", tt.inbound, seen == tt.inbound, tt.keep)
			}
		})
	}
}

func TestLogger_LogsRequestWithActor(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits", nil)
	actor := uuid.New()
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: actor, Role: auth.RoleWorker}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-1")

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"request_id":"rid-1"`, `"status":200`, `"actor_id":"` + actor.String() + `"`, `"path":"/api/v1/visits"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log line %s", want, out)
		}
	}
}

func TestLogger_HandlerErrorIsWrittenAndLogged(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits/x", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return apperr.ToHTTP(apperr.NotFound("Visit", "x"))
	})
	if err := h(c); err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"code":"NOT_FOUND"`) {
		t.Errorf("expected warn level with error code for 4xx, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})
	err := h(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	body, _ := httpErr.Message.(apperr.Body)
	if body.Code != apperr.KindStore || strings.Contains(body.Message, "test panic") {
		t.Errorf("panic value must not reach the client: %+v", body)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("expected panic to be logged, got %s", buf.String())
	}
}

func TestAuditContext_StampsRequestMeta(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/visits", nil)
	req.Header.Set("User-Agent", "carelink-mobile/2.1")
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: uuid.New(), Role: auth.RoleClient}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-7")

	var got hipaa.RequestMeta
	h := AuditContext()(func(c echo.Context) error {
		got = hipaa.RequestMetaFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := hipaa.RequestMeta{ActorRole: "CLIENT", RequestID: "rid-7", IPAddress: "203.0.113.9", UserAgent: "carelink-mobile/2.1"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestActorRateLimit_PerActor(t *testing.T) {
	e := echo.New()
	limited := uuid.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, _ := uuid.Parse(c.Request().Header.Get(auth.HeaderActorID))
			c.SetRequest(c.Request().WithContext(auth.WithActor(c.Request().Context(), auth.Actor{ID: id})))
			return next(c)
		}
	})
	e.Use(ActorRateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func(actor uuid.UUID) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(auth.HeaderActorID, actor.String())
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do(limited); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := do(limited); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}
	if code := do(uuid.New()); code != http.StatusOK {
		t.Errorf("expected other actor unaffected, got %d", code)
	}
}
