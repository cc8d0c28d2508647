package middleware

import "net/http"

// corsAllowHeaders はブラウザUIとスクレイパーが送信するヘッダー。
const corsAllowHeaders = "Content-Type, Authorization, " + UserIDHeader

// NewCORSMiddleware はUIのオリジンに対してのみCORSを許可するミドルウェアを返す。
// ユーザー識別はヘッダーで行いCookieは使わないため、credentialsは許可しない。
// Originが一致しないリクエストにはAllow-Originを付与せず、そのまま後続に渡す。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin != "" && origin == allowedOrigin {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
