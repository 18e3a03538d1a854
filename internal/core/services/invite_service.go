package services

import (
	"errors"
	"fmt"
	"time"

	"peermesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token audiences.
const (
	AudienceJoin    = "join"
	AudienceControl = "control"
)

// InviteService mints and checks the shared-secret tokens used by the
// websocket handshake (join) and the control API (control).
type InviteService interface {
	Issue(audience string, issuer domain.PeerID, ttl time.Duration) (string, error)
	Validate(token, audience string) (*InviteClaims, error)
}

type InviteClaims struct {
	IssuerPeer domain.PeerID `json:"issuer_peer"`
	jwt.RegisteredClaims
}

type inviteService struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

func NewInviteService(secret string, defaultTTL time.Duration) InviteService {
	return &inviteService{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (s *inviteService) Issue(audience string, issuer domain.PeerID, ttl time.Duration) (string, error) {
	if audience != AudienceJoin && audience != AudienceControl {
		return "", fmt.Errorf("unknown token audience %q", audience)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	claims := &InviteClaims{
		IssuerPeer: issuer,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *inviteService) Validate(tokenString, audience string) (*InviteClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &InviteClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidInvite
		}
		return s.secret, nil
	}, jwt.WithAudience(audience), jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrExpiredInvite
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInvite, err)
	}

	if claims, ok := token.Claims.(*InviteClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, domain.ErrInvalidInvite
}
