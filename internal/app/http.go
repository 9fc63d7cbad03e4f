package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"msgsync/pkg/api"
	"msgsync/pkg/cache"
)

// routes assembles the process HTTP surface: operational endpoints first,
// then the view API as the fallback handler.
func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, req *http.Request) {
		http.ServeFile(w, req, "docs/openapi.yaml")
	}).Methods(http.MethodGet)
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/openapi.yaml"),
	))
	r.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(api.Handler(a.eng))
	return r
}

func (a *App) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := `{"status":"ok","cache":` + boolJSON(cache.Ready()) + `,"push":` + boolJSON(a.pushc != nil && a.pushc.Connected()) + `}`
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
