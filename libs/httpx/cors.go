package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy lists the origins allowed to call the API from a browser.
// Credentials are never allowed; admin calls carry a bearer token.
type CORSPolicy struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         time.Duration
}

// WidgetCORSPolicy covers booking widgets embedded on other sites, including
// the slot stream and the rate limit headers they read.
func WidgetCORSPolicy(origins []string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         10 * time.Minute,
	}
}

type corsHeaders struct {
	any     bool
	origins map[string]struct{}
	fixed   map[string]string
}

func (p CORSPolicy) compile() corsHeaders {
	c := corsHeaders{origins: map[string]struct{}{}, fixed: map[string]string{}}
	for _, o := range p.AllowedOrigins {
		switch o = strings.ToLower(strings.TrimSpace(o)); o {
		case "":
		case "*":
			c.any = true
		default:
			c.origins[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}
	join := func(key string, vals []string) {
		var kept []string
		for _, v := range vals {
			if v = strings.TrimSpace(v); v != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			c.fixed[key] = strings.Join(kept, ", ")
		}
	}
	join("Access-Control-Allow-Methods", p.AllowedMethods)
	join("Access-Control-Allow-Headers", p.AllowedHeaders)
	join("Access-Control-Expose-Headers", p.ExposedHeaders)
	if s := int(p.MaxAge.Seconds()); s > 0 {
		c.fixed["Access-Control-Max-Age"] = strconv.Itoa(s)
	}
	return c
}

func (c corsHeaders) allow(origin string) (string, bool) {
	if c.any {
		return "*", true
	}
	if _, ok := c.origins[strings.ToLower(origin)]; ok {
		return origin, true
	}
	return "", false
}

// WithCORS answers preflights and decorates responses for allowed origins.
// With no origins configured it passes requests through untouched.
func WithCORS(p CORSPolicy) Middleware {
	c := p.compile()
	if !c.any && len(c.origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed, ok := c.allow(origin)
			if origin == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Add("Vary", "Origin")
			for k, v := range c.fixed {
				h.Set(k, v)
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
