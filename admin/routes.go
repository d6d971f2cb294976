package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/", handlers.handleIndex)
	r.Get("/status", handlers.handleStatus)
	r.Get("/queue", handlers.handleQueue)
	r.Get("/sinks", handlers.handleSinks)
	r.Get("/destinations", handlers.handleDestinations)
	r.Get("/catalog", handlers.handleCatalog)
	r.Get("/offsets", handlers.handleOffsets)
	r.Get("/history", handlers.handleHistory)

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
