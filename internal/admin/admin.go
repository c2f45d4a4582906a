// Package admin serves the HTTP admin API and the WebSocket transport.
//
// Routes:
//
//	GET  /health                      200 with a short status document
//	GET  /connections                 live connections ordered by id
//	GET  /table                       snapshot of the shared table
//	POST /connections/{id}/terminate  204, 404 for an unknown id, 400 for a bad id
//	GET  /ws                          WebSocket upgrade into an ordinary session
//
// A WebSocket session carries the same length-prefixed frames as a TCP
// connection, in binary messages.
package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/tablesync/internal/hub"
	"github.com/dreamware/tablesync/internal/server"
	"github.com/dreamware/tablesync/internal/session"
	"github.com/dreamware/tablesync/internal/storage"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/dreamware/tablesync/internal/wsconn"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Backend is the server state the API exposes. *server.Server implements it.
type Backend interface {
	Connections() []hub.Info
	Table() map[string]value.Value
	TableStats() storage.TableStats
	Terminate(id uint64) error
	Serve(conn session.Conn) (*session.Session, error)
}

// API routes admin requests to a Backend.
type API struct {
	backend  Backend
	router   *mux.Router
	upgrader websocket.Upgrader
}

// Health is the body of GET /health.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Keys        int    `json:"keys"`
	Revision    uint64 `json:"revision"`
}

// Option configures an API.
type Option func(*API)

// WithAllowedOrigins lets browser pages served from origins open /ws
// sessions in addition to same-origin pages. "*" allows every origin.
// Requests without an Origin header, such as Go clients, are always allowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.TrimSuffix(o, "/")] = true
		}
		a.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			return sameOrigin(r)
		}
	}
}

// sameOrigin is gorilla's default check: the Origin host must equal the
// request Host.
func sameOrigin(r *http.Request) bool {
	u, err := url.Parse(r.Header.Get("Origin"))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// New builds the API over backend. Without options /ws only accepts
// same-origin browser pages.
func New(backend Backend, opts ...Option) *API {
	a := &API{
		backend: backend,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router.Use(logRequests)
	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.HandleFunc("/connections", a.handleConnections).Methods(http.MethodGet)
	a.router.HandleFunc("/table", a.handleTable).Methods(http.MethodGet)
	a.router.HandleFunc("/connections/{id}/terminate", a.handleTerminate).Methods(http.MethodPost)
	a.router.HandleFunc("/ws", a.handleWebSocket).Methods(http.MethodGet)
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// NewHTTPServer returns an http.Server for h on addr with the timeouts
// used by cmd/syncd.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := a.backend.TableStats()
	writeJSON(w, http.StatusOK, Health{
		Status:      "ok",
		Connections: len(a.backend.Connections()),
		Keys:        stats.Keys,
		Revision:    stats.Revision,
	})
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.backend.Connections()
	if conns == nil {
		conns = []hub.Info{}
	}
	writeJSON(w, http.StatusOK, struct {
		Connections []hub.Info `json:"connections"`
	}{Connections: conns})
}

func (a *API) handleTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, value.Object(a.backend.Table()))
}

func (a *API) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad connection id", http.StatusBadRequest)
		return
	}
	if err := a.backend.Terminate(id); err != nil {
		if errors.Is(err, server.ErrConnectionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	if _, err := a.backend.Serve(wsconn.New(ws)); err != nil {
		logger.WithError(err).Warn("WebSocket session refused")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.WithError(errors.Wrap(err, "encode response failed")).Error("Admin response dropped")
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Admin request")
	})
}
