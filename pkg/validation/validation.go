package validation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"peermesh/internal/core/domain"
)

const (
	// MaxSDPLength bounds a pasted session description.
	MaxSDPLength = 64 * 1024
	// MaxCandidates bounds the candidates carried by one Offer.
	MaxCandidates = 64
	// MaxCandidateLength bounds a single candidate line.
	MaxCandidateLength = 1024
)

// ParsePeerID parses a decimal peer id as it appears in control API paths.
func ParsePeerID(raw string) (domain.PeerID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.NoPeer, fmt.Errorf("peer ID is required")
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return domain.NoPeer, fmt.Errorf("invalid peer ID %q (must be 1-65535)", raw)
	}
	if n == 0 {
		return domain.NoPeer, fmt.Errorf("peer ID 0 is reserved")
	}
	return domain.PeerID(n), nil
}

// ValidateSDP checks size and the leading version line only.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > MaxSDPLength {
		return fmt.Errorf("sdp is too long (max %d bytes)", MaxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	return nil
}

func ValidateCandidate(c domain.Candidate) error {
	if c.Name == "" {
		return fmt.Errorf("candidate is required")
	}
	if len(c.Name) > MaxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d bytes)", MaxCandidateLength)
	}
	if c.Index < 0 {
		return fmt.Errorf("candidate m-line index must not be negative")
	}
	return nil
}

// ValidateOffer runs the structural Offer checks and then bounds the payload
// an operator or handshake peer can hand to the mesh.
func ValidateOffer(o domain.Offer) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if err := ValidateSDP(o.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOffer, err)
	}
	if len(o.ICECandidates) > MaxCandidates {
		return fmt.Errorf("%w: too many candidates (max %d)", domain.ErrInvalidOffer, MaxCandidates)
	}
	for i, c := range o.ICECandidates {
		if err := ValidateCandidate(c); err != nil {
			return fmt.Errorf("%w: candidate %d: %v", domain.ErrInvalidOffer, i, err)
		}
	}
	return nil
}

// ValidateURL validates a handshake endpoint URL
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
