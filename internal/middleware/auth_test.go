package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"トークン未設定なら素通し", "", "", http.StatusOK},
		{"正しいトークン", "s3cret", "Bearer s3cret", http.StatusOK},
		{"スキームは大文字小文字を区別しない", "s3cret", "bearer s3cret", http.StatusOK},
		{"ヘッダーなし", "s3cret", "", http.StatusUnauthorized},
		{"誤ったトークン", "s3cret", "Bearer wrong", http.StatusUnauthorized},
		{"Basic認証", "s3cret", "Basic czNjcmV0", http.StatusUnauthorized},
		{"トークン空", "s3cret", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewTokenAuthMiddleware(tt.token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/posts/ingest", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}
