package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "system_resources", "disk_2"}
	invalid := []string{"", "..", "a..b", "a/b", `a\\b`, "hello*", "unicode한글"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func FuzzIsSafeName(f *testing.F) {
	f.Add("web_server")
	f.Add("")
	f.Add("../etc/passwd")
	f.Add("name\\with\\backslash")
	f.Add("unicode한글name")
	f.Add("name\x00null")

	f.Fuzz(func(t *testing.T, name string) {
		if !isSafeName(name) {
			return
		}
		if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\ \x00\n") {
			t.Errorf("unsafe name accepted: %q", name)
		}
	})
}

func FuzzSanitizeBase(f *testing.F) {
	f.Add("")
	f.Add("/api/")
	f.Add(" //x// ")
	f.Fuzz(func(t *testing.T, in string) {
		out := sanitizeBase(in)
		if out == "" {
			return
		}
		if !strings.HasPrefix(out, "/") || strings.HasSuffix(out, "/") {
			t.Errorf("sanitizeBase(%q)=%q", in, out)
		}
	})
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}
