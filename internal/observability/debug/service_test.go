package debug

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	logx "smsgate/pkg/logx"
)

func TestStateRequiresToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]int{"jobs": 2} }, logx.Nop())
	h := s.Handler(Config{Token: "t0k"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/state", nil)
	req.Header.Set("Authorization", "Bearer t0k")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=t0k", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6060"))
	assert.True(t, needsRestart(Config{Addr: "a"}, Config{Addr: "b"}))
	assert.False(t, needsRestart(Config{Prefix: "/p"}, Config{Prefix: "/p/"}))
}
