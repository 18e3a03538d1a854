package services

import (
	"math/rand"
	"testing"

	"peermesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func testVote() *EvictionVote {
	return newEvictionVote(9, voteConfig{multiplier: 2, maxConfidence: 10, announceEvery: 3})
}

func everyone(domain.PeerID) bool { return true }

func TestEvictionVote_Aggregation(t *testing.T) {
	tests := []struct {
		name      string
		proposal  bool
		votes     map[domain.PeerID]peerVote
		eligible  func(domain.PeerID) bool
		consensus bool
	}{
		{
			name:      "alone and proposing",
			proposal:  true,
			consensus: true,
		},
		{
			name:      "alone and content",
			proposal:  false,
			consensus: false,
		},
		{
			name:     "outvoted by two content peers",
			proposal: true,
			votes: map[domain.PeerID]peerVote{
				2: {},
				3: {},
			},
			eligible:  everyone,
			consensus: false,
		},
		{
			name:     "majority proposes",
			proposal: false,
			votes: map[domain.PeerID]peerVote{
				2: {proposal: true},
				3: {proposal: true, consensus: true},
			},
			eligible:  everyone,
			consensus: true,
		},
		{
			name:     "ineligible voters are ignored",
			proposal: true,
			votes: map[domain.PeerID]peerVote{
				2: {},
				3: {},
			},
			eligible:  func(id domain.PeerID) bool { return false },
			consensus: true,
		},
		{
			name:     "exact half is not a majority",
			proposal: false,
			votes: map[domain.PeerID]peerVote{
				2: {proposal: true, consensus: true},
			},
			eligible:  everyone,
			consensus: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVote()
			for voter, vote := range tt.votes {
				v.Record(voter, vote.proposal, vote.consensus)
			}
			eligible := tt.eligible
			if eligible == nil {
				eligible = everyone
			}

			v.Poll(tt.proposal, eligible)
			assert.Equal(t, tt.consensus, v.Status().Consensus)
		})
	}
}

func TestEvictionVote_EvictsAtFullConfidence(t *testing.T) {
	v := testVote()

	for i := 1; i < 10; i++ {
		outcome := v.Poll(true, everyone)
		assert.False(t, outcome.Evict, "round %d", i)
		assert.Equal(t, i, v.Status().ConfidenceFor)
	}

	outcome := v.Poll(true, everyone)
	assert.True(t, outcome.Evict)
	assert.Equal(t, 10, v.Status().ConfidenceFor)
	assert.Equal(t, 0, v.Status().ConfidenceAgainst)
}

func TestEvictionVote_ConfidenceUpdates(t *testing.T) {
	v := testVote()
	for i := 0; i < 4; i++ {
		v.Poll(true, everyone)
	}
	assert.Equal(t, domain.VoteStatus{Proposal: true, Consensus: true, ConfidenceFor: 4}, v.Status())

	// own consensus=true alone weighs 1 of 3, which is not a majority
	v.Poll(false, everyone)
	assert.Equal(t, domain.VoteStatus{Proposal: false, Consensus: false, ConfidenceFor: 2, ConfidenceAgainst: 1}, v.Status())
}

func TestEvictionVote_ConfidenceStaysBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	v := testVote()

	for i := 0; i < 2000; i++ {
		voter := domain.PeerID(rng.Intn(6) + 1)
		if rng.Intn(10) == 0 {
			v.Forget(voter)
		} else {
			v.Record(voter, rng.Intn(2) == 0, rng.Intn(2) == 0)
		}
		v.Poll(rng.Intn(2) == 0, func(id domain.PeerID) bool { return id%2 == 0 || rng.Intn(2) == 0 })

		s := v.Status()
		assert.GreaterOrEqual(t, s.ConfidenceFor, 0)
		assert.LessOrEqual(t, s.ConfidenceFor, 10)
		assert.GreaterOrEqual(t, s.ConfidenceAgainst, 0)
		assert.LessOrEqual(t, s.ConfidenceAgainst, 10)
	}
}

func TestEvictionVote_Announcements(t *testing.T) {
	v := testVote()

	assert.False(t, v.Poll(false, everyone).Announce)
	assert.False(t, v.Poll(false, everyone).Announce)
	assert.True(t, v.Poll(false, everyone).Announce, "periodic re-announcement")

	outcome := v.Poll(true, everyone)
	assert.True(t, outcome.Announce)
	assert.True(t, outcome.Flipped)
	assert.Equal(t, domain.UpdateNodeStatus{Subject: 9, Proposal: true, Consensus: true}, v.Announcement())

	assert.False(t, v.Poll(true, everyone).Announce)
}

func TestEvictionVote_IgnoresSubjectAndForgets(t *testing.T) {
	v := testVote()
	v.Record(9, true, true)
	v.Record(2, true, true)
	assert.NotContains(t, v.votes, domain.PeerID(9))

	v.Forget(2)
	v.Poll(false, everyone)
	assert.Equal(t, 0, v.Status().Voters)
}
