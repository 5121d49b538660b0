package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://civic.example.org/", "http://localhost:3000"})

	req := func(origin string) bool {
		r := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return check(r)
	}

	assert.True(t, req(""))
	assert.True(t, req("https://civic.example.org"))
	assert.True(t, req("http://localhost:3000"))
	assert.False(t, req("https://evil.example.com"))
	assert.False(t, req("http://civic.example.org"))

	assert.True(t, originChecker([]string{"*"})(httptest.NewRequest("GET", "/ws", nil)))
}
