package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// NewRelic returns a gin middleware for New Relic tracing. A nil
// application yields a pass-through middleware.
func NewRelic(app *newrelic.Application) gin.HandlerFunc {
	if app == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return nrgin.Middleware(app)
}
