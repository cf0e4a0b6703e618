package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
)

// originSet is the parsed CORS_ALLOWED_ORIGINS value. An empty set or "*" allows any origin.
type originSet struct {
	any     bool
	allowed map[string]struct{}
}

func parseOrigins(s string) originSet {
	set := originSet{allowed: make(map[string]struct{})}
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			set.any = true
		default:
			set.allowed[o] = struct{}{}
		}
	}
	if len(set.allowed) == 0 {
		set.any = true
	}
	return set
}

func (s originSet) allow(origin string) string {
	if s.any {
		return "*"
	}
	if _, ok := s.allowed[origin]; ok {
		return origin
	}
	return ""
}

// CORS lets the flow editor and the public funnel widget call the API from other origins.
// Preflights are answered here and never reach the handlers.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := parseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if !origins.any {
			c.Header("Vary", "Origin")
		}
		if allow := origins.allow(origin); origin != "" && allow != "" {
			c.Header("Access-Control-Allow-Origin", allow)
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
