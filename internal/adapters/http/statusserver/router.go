package statusserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the status routes on a bare gin engine.
func NewRouter(h *Handler, middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.RedirectTrailingSlash = false
	r.RemoveExtraSlash = true

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.String(http.StatusMethodNotAllowed, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/status", h.Status)
	r.GET("/metrics/latest", h.LatestSample)

	return r
}
