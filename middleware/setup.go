package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupState reports whether first-run setup has been committed
type SetupState interface {
	IsSetupComplete() bool
}

// SetupPending middleware closes the wizard once setup is complete
func SetupPending(state SetupState) gin.HandlerFunc {
	return func(c *gin.Context) {
		if state.IsSetupComplete() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Setup is already complete, sign in instead", "code": "setup_complete"})
			return
		}
		c.Next()
	}
}
