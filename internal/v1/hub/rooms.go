package hub

import (
	"k8s.io/utils/set"

	"github.com/parlorlabs/parlor/internal/v1/metrics"
)

// ensureRoomLocked returns the member set for roomID, creating it if
// needed.
func (h *Hub) ensureRoomLocked(roomID string) set.Set[string] {
	members, ok := h.rooms[roomID]
	if !ok {
		members = set.New[string]()
		h.rooms[roomID] = members
	}
	return members
}

// joinRoomLocked adds the session to the room and links its roomID.
func (h *Hub) joinRoomLocked(s *Session, roomID string) {
	h.ensureRoomLocked(roomID).Insert(s.id)
	s.roomID = roomID
}

// leaveRoomLocked removes the session from its room. When notifyPeers
// is set, remaining members receive roomPeerLeft. A room that drops to
// one member dissolves, ending the survivor's call.
func (h *Hub) leaveRoomLocked(s *Session, notifyPeers bool) {
	roomID := s.roomID
	if roomID == "" {
		return
	}
	s.roomID = ""

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	members.Delete(s.id)

	if notifyPeers {
		frame := encodeFrame(roomPeerLeftFrame{Type: frameRoomPeerLeft, RoomID: roomID, PeerID: s.id})
		for _, id := range members.UnsortedList() {
			if peer, ok := h.sessions[id]; ok {
				peer.TrySend(frame)
			}
		}
	}

	h.dissolveIfSmallLocked(roomID)
}

// dissolveIfSmallLocked deletes a room with at most one member, telling
// the survivor its call ended.
func (h *Hub) dissolveIfSmallLocked(roomID string) {
	members, ok := h.rooms[roomID]
	if !ok || members.Len() > 1 {
		return
	}

	for _, id := range members.UnsortedList() {
		if survivor, ok := h.sessions[id]; ok {
			survivor.roomID = ""
			survivor.TrySend(encodeFrame(callEndedFrame{Type: frameCallEnded, Reason: "alone"}))
			metrics.CallEvents.WithLabelValues("ended_alone").Inc()
		}
	}
	delete(h.rooms, roomID)
}

// roomPeersLocked lists the room's members except excludeID, ordered by
// session id.
func (h *Hub) roomPeersLocked(roomID, excludeID string) []roomPeer {
	members, ok := h.rooms[roomID]
	if !ok {
		return nil
	}

	peers := make([]roomPeer, 0, members.Len())
	for _, id := range members.SortedList() {
		if id == excludeID {
			continue
		}
		if peer, ok := h.sessions[id]; ok {
			peers = append(peers, roomPeer{ID: peer.id, Name: peer.name})
		}
	}
	return peers
}

// sameRoomLocked reports whether both sessions share a non-empty room.
func sameRoomLocked(a, b *Session) bool {
	return a.roomID != "" && a.roomID == b.roomID
}

// syncRoomMetricsLocked refreshes the room gauges after any membership
// change.
func (h *Hub) syncRoomMetricsLocked() {
	calls := 0
	for _, members := range h.rooms {
		if members.Len() >= 2 {
			calls++
		}
	}
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	metrics.ActiveCalls.Set(float64(calls))
}
