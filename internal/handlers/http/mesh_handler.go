package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/core/services"
	"peermesh/internal/infrastructure/wire"
	apperrors "peermesh/pkg/errors"
	"peermesh/pkg/logger"
	"peermesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MeshHandler exposes the mesh orchestrator to operators. It is the
// programmatic replacement for copy-and-paste offer exchange.
type MeshHandler struct {
	mesh      ports.MeshService
	offerWait time.Duration
	logger    *zap.SugaredLogger
}

func NewMeshHandler(mesh ports.MeshService, offerWait time.Duration, logger *zap.SugaredLogger) *MeshHandler {
	return &MeshHandler{
		mesh:      mesh,
		offerWait: offerWait,
		logger:    logger,
	}
}

// SetupRoutes mounts the API under /api/v1. Mutating routes run behind
// authorize.
func (h *MeshHandler) SetupRoutes(router *gin.Engine, authorize gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/mesh", h.GetMesh)
		api.GET("/peers/:id", h.GetPeer)
		api.GET("/peers/:id/offer", h.GetOffer)
	}

	control := api.Group("", authorize)
	{
		control.POST("/manual", h.ManualAdd)
		control.POST("/manual/answer", h.CompleteManual)
		control.POST("/bootstrap", h.Bootstrap)
		control.POST("/peers/:id/candidates", h.AddCandidate)
		control.DELETE("/peers/:id", h.RemovePeer)
	}
}

// offerRequest carries an Offer either as JSON or as a pasted token.
type offerRequest struct {
	Token string        `json:"token"`
	Offer *domain.Offer `json:"offer"`
}

type offerResponse struct {
	PeerID domain.PeerID `json:"peer_id"`
	Offer  domain.Offer  `json:"offer"`
	Token  string        `json:"token"`
}

func (h *MeshHandler) GetMesh(c *gin.Context) {
	snap, err := h.mesh.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *MeshHandler) GetPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	snap, err := h.mesh.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	info, found := snap.Peer(id)
	if !found {
		_ = c.Error(fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id))
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *MeshHandler) GetOffer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	sub, err := h.mesh.OfferFor(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respondWithOffer(c, http.StatusOK, sub)
}

func (h *MeshHandler) ManualAdd(c *gin.Context) {
	sub, err := h.mesh.ManualAdd(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Infow("Manual link created", "peer_id", sub.PeerID().String())
	h.respondWithOffer(c, http.StatusCreated, sub)
}

func (h *MeshHandler) CompleteManual(c *gin.Context) {
	answer, ok := bindOffer(c)
	if !ok {
		return
	}

	if err := h.mesh.CompleteManual(c.Request.Context(), answer); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MeshHandler) Bootstrap(c *gin.Context) {
	offer, ok := bindOffer(c)
	if !ok {
		return
	}

	localID, sub, err := h.mesh.Bootstrap(c.Request.Context(), offer)
	if err != nil {
		_ = c.Error(err)
		return
	}

	answer, err := awaitOffer(c.Request.Context(), sub, h.offerWait)
	if err != nil {
		_ = c.Error(err)
		return
	}
	token, err := wire.EncodeOfferToken(answer)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"local_id": localID,
		"answer":   answer,
		"token":    token,
	})
}

func (h *MeshHandler) AddCandidate(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	var cand domain.Candidate
	if err := c.ShouldBindJSON(&cand); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateCandidate(cand); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.mesh.AddManualCandidate(c.Request.Context(), id, cand); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MeshHandler) RemovePeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	if err := h.mesh.RemovePeer(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Infow("Peer removed by operator", "peer_id", id.String())
	c.Status(http.StatusNoContent)
}

func (h *MeshHandler) respondWithOffer(c *gin.Context, status int, sub ports.OfferSubscription) {
	offer, err := awaitOffer(c.Request.Context(), sub, h.offerWait)
	if err != nil {
		_ = c.Error(err)
		return
	}
	token, err := wire.EncodeOfferToken(offer)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(status, offerResponse{PeerID: sub.PeerID(), Offer: offer, Token: token})
}

func awaitOffer(ctx context.Context, sub ports.OfferSubscription, wait time.Duration) (domain.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return services.AwaitOffer(ctx, sub)
}

func peerParam(c *gin.Context) (domain.PeerID, bool) {
	id, err := validation.ParsePeerID(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return domain.NoPeer, false
	}
	c.Request = c.Request.WithContext(logger.WithPeerID(c.Request.Context(), id.String()))
	return id, true
}

func bindOffer(c *gin.Context) (domain.Offer, bool) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return domain.Offer{}, false
	}

	var offer domain.Offer
	switch {
	case req.Token != "" && req.Offer != nil:
		_ = c.Error(apperrors.NewInvalidInputError("provide either token or offer, not both"))
		return domain.Offer{}, false
	case req.Token != "":
		decoded, err := wire.DecodeOfferToken(req.Token)
		if err != nil {
			_ = c.Error(err)
			return domain.Offer{}, false
		}
		offer = decoded
	case req.Offer != nil:
		offer = *req.Offer
	default:
		_ = c.Error(apperrors.NewInvalidInputError("token or offer is required"))
		return domain.Offer{}, false
	}

	if err := validation.ValidateOffer(offer); err != nil {
		_ = c.Error(err)
		return domain.Offer{}, false
	}
	return offer, true
}
