package transport

import "net/http"

type Handler interface {
	submit(w http.ResponseWriter, r *http.Request)
	status(w http.ResponseWriter, r *http.Request)
	result(w http.ResponseWriter, r *http.Request)
	cancel(w http.ResponseWriter, r *http.Request)
	healthz(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("POST /scans", r.h.submit)
	mux.HandleFunc("GET /scans/{id}", r.h.status)
	mux.HandleFunc("GET /scans/{id}/result", r.h.result)
	mux.HandleFunc("POST /scans/{id}/cancel", r.h.cancel)
	mux.HandleFunc("GET /healthz", r.h.healthz)

	return mux
}

// Wrap applies the middleware chain used by the server.
func Wrap(h http.Handler) http.Handler {
	return WithRequestID(WithRecover(LogMiddleware(h)))
}
