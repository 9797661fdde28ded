package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubBus struct {
	connected bool
}

func (b *stubBus) Connected() bool { return b.connected }

func performCheck(checkers map[string]Checker) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", Handler(checkers))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHandlerHealthy(t *testing.T) {
	w := performCheck(map[string]Checker{
		"bus": BusChecker(&stubBus{connected: true}),
		"ok":  func(ctx context.Context) error { return nil },
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHandlerUnhealthyDependency(t *testing.T) {
	w := performCheck(map[string]Checker{
		"db": func(ctx context.Context) error { return fmt.Errorf("connection refused") },
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestBusCheckerDisconnected(t *testing.T) {
	err := BusChecker(&stubBus{connected: false})(context.Background())
	assert.Error(t, err)
}
