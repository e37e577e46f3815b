package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/models"
	"github.com/mida-hub/imgstream-sub001/internal/repository"
	"github.com/mida-hub/imgstream-sub001/internal/security"
	"github.com/mida-hub/imgstream-sub001/internal/service"
)

// Auth validates the bearer token, checks the user is still active, and
// stashes the resulting identity in both the gin and request contexts so
// the upload pipeline can re-assert it.
func Auth(cfg *config.AppConfig, users *repository.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := security.ParseAccessToken(tokenStr, cfg.Security.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		user, err := users.GetByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_not_found"})
			return
		}

		if user.Status != models.UserStatusActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_inactive"})
			return
		}

		identity := models.UserIdentity{UserID: user.ID, Email: user.Email}
		c.Set("current_identity", identity)
		c.Request = c.Request.WithContext(service.WithIdentity(c.Request.Context(), identity))

		c.Next()
	}
}
