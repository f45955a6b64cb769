package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	apperrors "mediagate/pkg/errors"
)

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger), TracingMiddleware())
	router.GET("/x", handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/x", nil)
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not json: %s", w.Body.String())
		}
	}
	return w, body
}

func TestErrorHandler_AppError(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		_ = c.Error(apperrors.NotFound("session").WithDetail("session_id", "room-1"))
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body["error"] != "NOT_FOUND" {
		t.Errorf("error = %v", body["error"])
	}
	details, _ := body["details"].(map[string]interface{})
	if details["session_id"] != "room-1" {
		t.Errorf("details = %v", body["details"])
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestErrorHandler_PlainError(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if body["error"] != "INTERNAL_ERROR" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		panic("handler exploded")
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if body["error"] != "INTERNAL_ERROR" {
		t.Errorf("error = %v", body["error"])
	}
}
