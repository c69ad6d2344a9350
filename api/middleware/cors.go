package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"

	"github.com/angelmondragon/truvoice-backend/api/responses"
)

var defaultCORSOrigins = []string{
	"http://localhost:5173", // vite dev server
	"http://localhost:3000",
}

// CORS returns middleware that allows the web client origin plus local dev origins.
func CORS(publicURL string) func(http.Handler) http.Handler {
	origins := append([]string{}, defaultCORSOrigins...)
	if url := strings.TrimRight(strings.TrimSpace(publicURL), "/"); url != "" {
		origins = append(origins, url)
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", responses.RequestIDHeader},
		ExposedHeaders:   []string{responses.RequestIDHeader, responses.OutcomeHeader, accessBannerHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
