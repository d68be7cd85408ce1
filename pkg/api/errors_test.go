package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/waveworks/wave/pkg/services"
)

func respond(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	respondServiceError(c, err)
	return rec
}

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation error", services.NewValidationError("wave", "must be >= 1"), http.StatusBadRequest},
		{"invalid input", fmt.Errorf("%w: empty payload", services.ErrInvalidInput), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: session x", services.ErrNotFound), http.StatusNotFound},
		{"invalid state", fmt.Errorf("%w: session is completed", services.ErrInvalidState), http.StatusConflict},
		{"already exists", services.ErrAlreadyExists, http.StatusConflict},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := respond(t, tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRespondServiceErrorHidesInternals(t *testing.T) {
	rec := respond(t, errors.New("pq: relation \"sessions\" does not exist"))
	assert.NotContains(t, rec.Body.String(), "relation")
}
