package lifecycle

import "time"

// minEvictionAge is how long an inbound peer must have been connected
// before it becomes eviction-eligible.
const minEvictionAge = 10 * time.Second

// unknownPingScore stands in for "no ping measurement yet" so unmeasured
// peers are preferred eviction candidates over ones with known-good
// latency, without ever overflowing the int64 comparison.
const unknownPingScore = int64(1) << 62

// selectEvictionVictim picks the inbound peer to drop when the inbound
// cap is reached: highest ping-ms score, ties broken by oldest
// connected_at, final tie by lowest peer id (deterministic for tests). No
// protection list exists yet.
func selectEvictionVictim(now time.Time, candidates []*PerPeerState) *PerPeerState {
	var victim *PerPeerState
	var victimScore int64
	var victimConnectedAt time.Time

	for _, s := range candidates {
		if !s.Peer.IsInbound {
			continue
		}
		connectedAt := s.Peer.ConnectedAt()
		if connectedAt.IsZero() || now.Sub(connectedAt) < minEvictionAge {
			continue
		}
		score := s.Peer.PingMS()
		if score < 0 {
			score = unknownPingScore
		}

		if victim == nil {
			victim, victimScore, victimConnectedAt = s, score, connectedAt
			continue
		}
		switch {
		case score > victimScore:
			victim, victimScore, victimConnectedAt = s, score, connectedAt
		case score == victimScore && connectedAt.Before(victimConnectedAt):
			victim, victimScore, victimConnectedAt = s, score, connectedAt
		case score == victimScore && connectedAt.Equal(victimConnectedAt) && s.Peer.ID < victim.Peer.ID:
			victim, victimScore, victimConnectedAt = s, score, connectedAt
		}
	}
	return victim
}
