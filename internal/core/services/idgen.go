package services

import (
	"fmt"
	"math/rand"

	"peermesh/internal/core/domain"
)

// IDSampler draws a candidate peer id. It may return ids already in use.
type IDSampler func() domain.PeerID

// RandomIDSampler draws uniformly from [1, 65535].
func RandomIDSampler() domain.PeerID {
	return domain.PeerID(rand.Intn(0xFFFF) + 1)
}

// generatePeerID re-samples until the candidate is neither NoPeer nor taken.
func generatePeerID(sample IDSampler, attempts int, taken func(domain.PeerID) bool) (domain.PeerID, error) {
	for i := 0; i < attempts; i++ {
		candidate := sample()
		if candidate == domain.NoPeer || taken(candidate) {
			continue
		}
		return candidate, nil
	}
	return domain.NoPeer, fmt.Errorf("%w after %d attempts", domain.ErrIDSpaceExhausted, attempts)
}
