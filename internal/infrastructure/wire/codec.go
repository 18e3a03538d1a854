package wire

import (
	"encoding/json"
	"fmt"

	"peermesh/internal/core/domain"
)

// Envelope frames one mesh message on a data channel.
type Envelope struct {
	Type    domain.MessageKind `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// Encode frames msg as a JSON envelope.
func Encode(msg domain.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Type: msg.Kind(), Payload: payload})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (domain.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}

	switch env.Type {
	case domain.KindCheckRelay:
		return decodePayload[domain.CheckRelay](env)
	case domain.KindRelayConfirmed:
		return decodePayload[domain.RelayConfirmed](env)
	case domain.KindRelayOffer:
		return decodePayload[domain.RelayOffer](env)
	case domain.KindReceiveOffer:
		return decodePayload[domain.ReceiveOffer](env)
	case domain.KindRelayIceCandidate:
		return decodePayload[domain.RelayIceCandidate](env)
	case domain.KindAddIceCandidate:
		return decodePayload[domain.AddIceCandidate](env)
	case domain.KindAddPeers:
		return decodePayload[domain.AddPeers](env)
	case domain.KindGetPeerUIDs:
		return domain.GetPeerUIDs{}, nil
	case domain.KindPing:
		return domain.Ping{}, nil
	case domain.KindUpdateNodeStatus:
		return decodePayload[domain.UpdateNodeStatus](env)
	default:
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}
}

func decodePayload[T domain.Message](env Envelope) (domain.Message, error) {
	var msg T
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: payload is required", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return msg, nil
}
