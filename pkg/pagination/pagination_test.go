package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=ten&offset=x", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/visits"+tt.query, nil), httptest.NewRecorder())
		p := FromContext(c)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%q: got %+v, want limit %d offset %d", tt.query, p, tt.limit, tt.offset)
		}
	}
}

func TestNewResponse_NextOffset(t *testing.T) {
	first := NewResponse([]string{"a", "b"}, 5, New(2, 0))
	if first.NextOffset == nil || *first.NextOffset != 2 {
		t.Errorf("expected next offset 2, got %v", first.NextOffset)
	}
	last := NewResponse([]string{"e"}, 5, New(2, 4))
	if last.NextOffset != nil {
		t.Errorf("last page must not have a next offset, got %d", *last.NextOffset)
	}
}

func TestNewResponse_EmptyIsArray(t *testing.T) {
	b, err := json.Marshal(NewResponse[int](nil, 0, New(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"data":[],"total":0,"limit":20,"offset":0}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}
