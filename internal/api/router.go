package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type sessionRoute struct {
	method string
	handle func(h *Handlers, w http.ResponseWriter, r *http.Request, id string)
}

var sessionRoutes = map[string][]sessionRoute{
	"state":             {{http.MethodGet, (*Handlers).HandleState}},
	"messages":          {{http.MethodGet, (*Handlers).HandleTranscript}, {http.MethodPost, (*Handlers).HandleAppendMessage}},
	"roster":            {{http.MethodPut, (*Handlers).HandleSetRoster}},
	"settings":          {{http.MethodPut, (*Handlers).HandleSetSettings}},
	"direct":            {{http.MethodPost, (*Handlers).HandleDirect}},
	"override":          {{http.MethodDelete, (*Handlers).HandleClearOverride}},
	"generation-ended":  {{http.MethodPost, (*Handlers).HandleGenerationEnded}},
	"before-generation": {{http.MethodPost, (*Handlers).HandleBeforeGeneration}},
	"events":            {{http.MethodGet, (*Handlers).HandleListEvents}},
	"worker-token":      {{http.MethodPost, (*Handlers).HandleMintWorkerToken}},
	"worker":            {{http.MethodPost, (*Handlers).HandleStartWorker}, {http.MethodDelete, (*Handlers).HandleStopWorker}},
}

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListSessions(w, r)
		case http.MethodPost:
			h.HandleCreateSession(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/characters", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListCharacters(w, r)
		case http.MethodPost:
			h.HandlePutCharacter(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		// /sessions/{id}/{action}
		rest := strings.TrimPrefix(strings.TrimSuffix(r.URL.Path, "/"), "/sessions/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			http.NotFound(w, r)
			return
		}
		routes, ok := sessionRoutes[parts[1]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		for _, rt := range routes {
			if rt.method == r.Method {
				rt.handle(h, w, r, parts[0])
				return
			}
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	return mux
}

// LogMiddleware logs every request at debug level with its duration.
func LogMiddleware(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}
