package domain

import "fmt"

// NoAssignedID marks an Offer that does not assign the answerer an id.
const NoAssignedID int32 = -1

// Offer is a self-contained session description plus the ICE candidates
// gathered so far, transferred out of band.
type Offer struct {
	OffererID     PeerID      `json:"offerer_id" cbor:"1,keyasint"`
	AssignedID    int32       `json:"assigned_id" cbor:"2,keyasint"`
	SDPType       SDPType     `json:"sdp_type" cbor:"3,keyasint"`
	SDP           string      `json:"sdp" cbor:"4,keyasint"`
	ICECandidates []Candidate `json:"ice_candidates" cbor:"5,keyasint"`
}

func (o Offer) Description() SessionDescription {
	return SessionDescription{Type: o.SDPType, SDP: o.SDP}
}

// Assigned reports the id this offer assigns to the answering side.
func (o Offer) Assigned() (PeerID, bool) {
	if o.AssignedID <= 0 || o.AssignedID > 0xFFFF {
		return NoPeer, false
	}
	return PeerID(o.AssignedID), true
}

// Validate checks structural invariants, not SDP syntax.
func (o Offer) Validate() error {
	if o.OffererID == NoPeer {
		return fmt.Errorf("%w: missing offerer id", ErrInvalidOffer)
	}
	if o.SDPType != SDPTypeOffer && o.SDPType != SDPTypeAnswer {
		return fmt.Errorf("%w: sdp type %q", ErrInvalidOffer, o.SDPType)
	}
	if o.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidOffer)
	}
	if o.AssignedID != NoAssignedID {
		id, ok := o.Assigned()
		if !ok {
			return fmt.Errorf("%w: assigned id %d out of range", ErrInvalidOffer, o.AssignedID)
		}
		if id == o.OffererID {
			return fmt.Errorf("%w: assigned id equals offerer id", ErrInvalidOffer)
		}
	}
	return nil
}

// Clone returns a copy that shares no candidate storage with o.
func (o Offer) Clone() Offer {
	c := o
	c.ICECandidates = append([]Candidate(nil), o.ICECandidates...)
	return c
}
