package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/services"
	"peermesh/internal/infrastructure/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

var testOffer = domain.Offer{
	OffererID:     3,
	AssignedID:    12,
	SDPType:       domain.SDPTypeOffer,
	SDP:           "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n",
	ICECandidates: []domain.Candidate{{Media: "0", Index: 0, Name: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}},
}

func TestTokenCmd(t *testing.T) {
	path := writeConfig(t, "handshake:\n  secret: cli-secret\n")

	out, err := execute(t, "", "--config", path, "token", "--audience", "control", "--issuer", "3")
	require.NoError(t, err)

	claims, err := services.NewInviteService("cli-secret", 0).Validate(strings.TrimSpace(out), services.AudienceControl)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID(3), claims.IssuerPeer)

	_, err = execute(t, "", "--config", path, "token", "--audience", "admin")
	assert.Error(t, err)
}

func TestOfferCmd_DecodeAndEncode(t *testing.T) {
	token, err := wire.EncodeOfferToken(testOffer)
	require.NoError(t, err)

	out, err := execute(t, "", "offer", "decode", token)
	require.NoError(t, err)
	var decoded domain.Offer
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, testOffer, decoded)

	fromStdin, err := execute(t, token+"\n", "offer", "decode")
	require.NoError(t, err)
	assert.Equal(t, out, fromStdin)

	body, err := json.Marshal(testOffer)
	require.NoError(t, err)
	encoded, err := execute(t, string(body), "offer", "encode")
	require.NoError(t, err)
	assert.Equal(t, token, strings.TrimSpace(encoded))
}

func TestOfferCmd_RejectsInvalidOffers(t *testing.T) {
	_, err := execute(t, "", "offer", "decode", "not a token")
	assert.Error(t, err)

	invalid := testOffer
	invalid.SDP = "no version line"
	body, err := json.Marshal(invalid)
	require.NoError(t, err)
	_, err = execute(t, string(body), "offer", "encode")
	assert.ErrorIs(t, err, domain.ErrInvalidOffer)
}

func TestRunCmd_JoinFlagsGoTogether(t *testing.T) {
	_, err := execute(t, "", "run", "--join", "ws://127.0.0.1:1/join")
	assert.Error(t, err)
}
