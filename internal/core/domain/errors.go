package domain

import "errors"

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrSelfReference    = errors.New("peer id refers to the local member")
	ErrInvalidOffer     = errors.New("invalid offer")
	ErrNotManual        = errors.New("peer link is not in manual state")
	ErrIDSpaceExhausted = errors.New("could not find an unused peer id")
	ErrNoRoute          = errors.New("no direct channel to peer")
	ErrLoopStopped      = errors.New("mesh loop stopped")
	ErrInvalidInvite    = errors.New("invalid invite token")
	ErrExpiredInvite    = errors.New("invite token expired")
)
