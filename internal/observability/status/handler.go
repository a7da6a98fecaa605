package status

import (
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gorilla/mux"
)

// Handler builds the router: /healthz, /status and optionally /debug/pprof.
func Handler(prov Provider, cfg Config) http.Handler {
	r := mux.NewRouter()
	r.Use(withAuth(cfg.Token))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ok, detail := true, "ok"
		if prov != nil {
			ok, detail = prov.Health()
		}
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(detail))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		var body any = struct{}{}
		if prov != nil {
			body = prov.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(body)
	}).Methods(http.MethodGet)

	if cfg.Pprof {
		p := r.PathPrefix("/debug/pprof").Subrouter()
		p.HandleFunc("/cmdline", hpprof.Cmdline)
		p.HandleFunc("/profile", hpprof.Profile)
		p.HandleFunc("/symbol", hpprof.Symbol)
		p.HandleFunc("/trace", hpprof.Trace)
		p.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	return r
}

func withAuth(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
