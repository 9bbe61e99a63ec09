package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bbiangul/go-docsift"
)

// variantRoutes lists the endpoints mounted for each variant.
var variantRoutes = map[string][]string{
	"ocr": {
		"/extract_words_per_page",
		"/extract_words_json_per_page",
		"/extract_raw_text_per_page",
	},
	"contract": {
		"/extract_words_per_page",
		"/extract_text_per_page",
		"/classify_document",
		"/process_contract",
	},
	"menu": {
		"/extract_words_per_page",
		"/extract_order_per_page",
	},
}

// newRouter mounts the endpoints of cfg.Variant.
func newRouter(cfg docsift.Config, h *handler) http.Handler {
	r := chi.NewRouter()

	// Middleware chain: recovery -> request id -> cors -> logging -> auth
	r.Use(recoveryMiddleware)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(logMiddleware)
	r.Use(authMiddleware(cfg.APIToken))

	handlers := map[string]http.HandlerFunc{
		"/extract_words_per_page":      h.handleExtractWords,
		"/extract_words_json_per_page": h.handleExtractWordsJSON,
		"/extract_text_per_page":       h.handleExtractText,
		"/classify_document":           h.handleClassifyDocument,
		"/process_contract":            h.handleProcessContract,
		"/extract_order_per_page":      h.handleExtractOrder,
		"/extract_raw_text_per_page":   h.handleExtractRawText,
	}

	for _, path := range routesFor(cfg.Variant) {
		r.Post(path, handlers[path])
	}

	r.Get("/runs", h.handleListRuns)
	r.Get("/runs/{id}", h.handleGetRun)
	r.Get("/documents/{hash}", h.handleGetDocument)
	r.Get("/health", h.handleHealth)

	return r
}

// routesFor returns the endpoint paths of variant; "all" is the union in
// a stable order.
func routesFor(variant string) []string {
	if routes, ok := variantRoutes[variant]; ok {
		return routes
	}
	seen := make(map[string]bool)
	var all []string
	for _, v := range []string{"ocr", "contract", "menu"} {
		for _, p := range variantRoutes[v] {
			if !seen[p] {
				seen[p] = true
				all = append(all, p)
			}
		}
	}
	return all
}
