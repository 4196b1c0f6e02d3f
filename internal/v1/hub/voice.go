package hub

import "github.com/parlorlabs/parlor/internal/v1/turn"

// VoiceStats is the relay load snapshot attached to hello and presence
// frames. Estimates assume full-mesh audio and two relay allocations per
// peer link; fields tied to the relay port range are omitted when the
// range is not configured.
type VoiceStats struct {
	TurnHost                   string `json:"turnHost,omitempty"`
	RelayPortsTotal            int    `json:"relayPortsTotal,omitempty"`
	ActiveCalls                int    `json:"activeCalls"`
	PeerLinksEstimate          int    `json:"peerLinksEstimate"`
	RelayPortsUsedEstimate     int    `json:"relayPortsUsedEstimate"`
	CapacityCallsEstimate      int    `json:"capacityCallsEstimate,omitempty"`
	MaxConferenceUsersEstimate int    `json:"maxConferenceUsersEstimate,omitempty"`
}

// voiceStatsLocked derives the current snapshot from the room table.
func (h *Hub) voiceStatsLocked() VoiceStats {
	stats := VoiceStats{
		TurnHost:        h.ice.Host(),
		RelayPortsTotal: h.relayPortsTotal,
	}

	links := 0
	for _, members := range h.rooms {
		k := members.Len()
		if k >= 2 {
			stats.ActiveCalls++
		}
		links += k * (k - 1) / 2
	}
	stats.PeerLinksEstimate = links

	used := 2 * links
	if h.relayPortsTotal > 0 {
		if used > h.relayPortsTotal {
			used = h.relayPortsTotal
		}
		stats.CapacityCallsEstimate = turn.CapacityCalls(h.relayPortsTotal)
		stats.MaxConferenceUsersEstimate = turn.MaxConferenceUsers(h.relayPortsTotal)
	}
	stats.RelayPortsUsedEstimate = used

	return stats
}
