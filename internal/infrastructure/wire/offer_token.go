package wire

import (
	"encoding/base64"
	"fmt"

	"peermesh/internal/core/domain"

	"github.com/fxamacker/cbor/v2"
)

var offerEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// EncodeOfferToken packs an Offer into a copy-pasteable string: CBOR with
// integer keys, base64url without padding.
func EncodeOfferToken(offer domain.Offer) (string, error) {
	data, err := offerEncMode.Marshal(offer)
	if err != nil {
		return "", fmt.Errorf("encode offer: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeOfferToken reverses EncodeOfferToken and validates the result.
func DecodeOfferToken(token string) (domain.Offer, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return domain.Offer{}, fmt.Errorf("%w: token is not base64url: %v", domain.ErrInvalidOffer, err)
	}

	var offer domain.Offer
	if err := cbor.Unmarshal(data, &offer); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: %v", domain.ErrInvalidOffer, err)
	}
	if err := offer.Validate(); err != nil {
		return domain.Offer{}, err
	}
	return offer, nil
}
