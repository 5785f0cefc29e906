package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDashboardHandler(t *testing.T) {
	h := DashboardHandler()
	tests := []struct {
		path     string
		wantCode int
		wantPage bool
	}{
		{"/", http.StatusOK, true},
		{"/broadcasts/123", http.StatusOK, true},
		{"/api/unknown", http.StatusNotFound, false},
		{"/ws/unknown", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := strings.Contains(w.Body.String(), "Mentor bot ops"); got != tt.wantPage {
				t.Errorf("page served = %v, want %v", got, tt.wantPage)
			}
		})
	}
}
