package services

import "peermesh/internal/core/domain"

type voteConfig struct {
	multiplier    int
	maxConfidence int
	announceEvery int
}

type peerVote struct {
	proposal  bool
	consensus bool
}

// VoteOutcome is what one Poll asks the Mesh to do.
type VoteOutcome struct {
	Announce bool
	Flipped  bool
	Evict    bool
}

// EvictionVote is the local Slush-style tracker deciding whether the mesh
// agrees that subject should be evicted.
type EvictionVote struct {
	subject           domain.PeerID
	cfg               voteConfig
	proposal          bool
	consensus         bool
	confidenceFor     int
	confidenceAgainst int
	votes             map[domain.PeerID]peerVote
	voters            int
	sinceAnnounce     int
}

func newEvictionVote(subject domain.PeerID, cfg voteConfig) *EvictionVote {
	if cfg.announceEvery < 1 {
		cfg.announceEvery = 1
	}
	return &EvictionVote{
		subject: subject,
		cfg:     cfg,
		votes:   make(map[domain.PeerID]peerVote),
	}
}

// Record stores the latest announcement from voter, replacing older ones.
func (v *EvictionVote) Record(voter domain.PeerID, proposal, consensus bool) {
	if voter == v.subject {
		return
	}
	v.votes[voter] = peerVote{proposal: proposal, consensus: consensus}
}

func (v *EvictionVote) Forget(voter domain.PeerID) {
	delete(v.votes, voter)
}

func (v *EvictionVote) weight(proposal, consensus bool) int {
	w := 0
	if proposal {
		w += v.cfg.multiplier
	}
	if consensus {
		w++
	}
	return w
}

// Poll runs one round with the local proposal. Only voters accepted by
// eligible are counted.
func (v *EvictionVote) Poll(proposal bool, eligible func(domain.PeerID) bool) VoteOutcome {
	proposalChanged := proposal != v.proposal
	v.proposal = proposal

	sum := v.weight(v.proposal, v.consensus)
	total := v.cfg.multiplier + 1
	voters := 0
	for voter, vote := range v.votes {
		if !eligible(voter) {
			continue
		}
		voters++
		sum += v.weight(vote.proposal, vote.consensus)
		total += v.cfg.multiplier + 1
	}
	v.voters = voters

	consensus := sum > total/2
	if consensus {
		v.confidenceFor = clamp(v.confidenceFor+1, 0, v.cfg.maxConfidence)
		v.confidenceAgainst = clamp(v.confidenceAgainst-2, 0, v.cfg.maxConfidence)
	} else {
		v.confidenceAgainst = clamp(v.confidenceAgainst+1, 0, v.cfg.maxConfidence)
		v.confidenceFor = clamp(v.confidenceFor-2, 0, v.cfg.maxConfidence)
	}

	flipped := consensus != v.consensus
	v.consensus = consensus

	v.sinceAnnounce++
	announce := flipped || proposalChanged || v.sinceAnnounce >= v.cfg.announceEvery
	if announce {
		v.sinceAnnounce = 0
	}

	return VoteOutcome{
		Announce: announce,
		Flipped:  flipped,
		Evict:    consensus && v.confidenceFor >= v.cfg.maxConfidence,
	}
}

// Announcement is the message broadcast for this tracker.
func (v *EvictionVote) Announcement() domain.UpdateNodeStatus {
	return domain.UpdateNodeStatus{
		Subject:   v.subject,
		Proposal:  v.proposal,
		Consensus: v.consensus,
	}
}

func (v *EvictionVote) Status() domain.VoteStatus {
	return domain.VoteStatus{
		Proposal:          v.proposal,
		Consensus:         v.consensus,
		ConfidenceFor:     v.confidenceFor,
		ConfidenceAgainst: v.confidenceAgainst,
		Voters:            v.voters,
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
