package middleware

import (
	"strings"

	"peermesh/internal/core/services"
	apperrors "peermesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

// IssuerPeerKey holds the domain.PeerID that minted the caller's token.
const IssuerPeerKey = "issuer_peer"

// ControlAuthMiddleware requires a bearer token minted for the control
// audience.
func ControlAuthMiddleware(invites services.InviteService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := invites.Validate(token, services.AudienceControl)
		if err != nil {
			abortWithError(c, apperrors.FromDomain(err))
			return
		}

		c.Set(IssuerPeerKey, claims.IssuerPeer)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
