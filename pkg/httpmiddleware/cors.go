package httpmiddleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Headers the order API accepts from browsers by default.
var defaultCORSHeaders = []string{
	"Content-Type",
	HeaderIdempotencyKey,
	HeaderRequestID,
}

// Headers browsers may read from order API responses by default.
var defaultCORSExpose = []string{
	HeaderRequestID,
	HeaderIdempotentReplay,
	"Retry-After",
}

// CORSConfig configures CORS.
type CORSConfig struct {
	// AllowOrigins lists allowed origins. Empty or "*" allows all.
	AllowOrigins []string
	// AllowMethods defaults to GET, POST, OPTIONS.
	AllowMethods []string
	// AllowHeaders defaults to Content-Type, Idempotency-Key and X-Request-ID.
	AllowHeaders []string
	// ExposeHeaders defaults to X-Request-ID, X-Idempotent-Replay and
	// Retry-After.
	ExposeHeaders []string
	// AllowCredentials echoes the concrete origin instead of "*".
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds. Zero omits the
	// header, negative sends "0".
	MaxAge int
}

// CORS handles preflight requests and decorates cross-origin responses.
// Origins match case-insensitively and are echoed in their configured case.
func CORS(cfg CORSConfig) Middleware {
	allowAll := len(cfg.AllowOrigins) == 0
	allowed := make(map[string]string, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
			break
		}
		if o != "" {
			allowed[strings.ToLower(o)] = o
		}
	}
	// Browsers reject "*" with credentials, so echo the request origin.
	echoAny := cfg.AllowCredentials && allowAll
	if echoAny {
		allowAll = false
	}

	allowMethods := strings.Join(orDefault(cfg.AllowMethods, []string{
		http.MethodGet, http.MethodPost, http.MethodOptions,
	}), ", ")
	allowHeaders := strings.Join(orDefault(cfg.AllowHeaders, defaultCORSHeaders), ", ")
	exposeHeaders := strings.Join(orDefault(cfg.ExposeHeaders, defaultCORSExpose), ", ")

	maxAge := ""
	switch {
	case cfg.MaxAge > 0:
		maxAge = strconv.Itoa(cfg.MaxAge)
	case cfg.MaxAge < 0:
		maxAge = "0"
	}

	match := func(origin string) string {
		switch {
		case allowAll:
			return "*"
		case echoAny:
			return origin
		}
		return allowed[strings.ToLower(origin)]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			if origin == "" {
				if !allowAll {
					h.Add("Vary", "Origin")
				}
				next.ServeHTTP(w, r)
				return
			}

			allowOrigin := match(origin)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Add("Vary", "Origin")
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				if allowOrigin != "" {
					h.Set("Access-Control-Allow-Origin", allowOrigin)
					h.Set("Access-Control-Allow-Methods", allowMethods)
					h.Set("Access-Control-Allow-Headers", allowHeaders)
					if cfg.AllowCredentials {
						h.Set("Access-Control-Allow-Credentials", "true")
					}
					if maxAge != "" {
						h.Set("Access-Control-Max-Age", maxAge)
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if !allowAll {
				h.Add("Vary", "Origin")
			}
			if allowOrigin != "" {
				h.Set("Access-Control-Allow-Origin", allowOrigin)
				h.Set("Access-Control-Expose-Headers", exposeHeaders)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
