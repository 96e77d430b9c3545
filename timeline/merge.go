// Package timeline turns optimistic local entries and server snapshots into
// the ordered, date-sectioned view a chat screen renders.
package timeline

import (
	"sort"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// Merge reconciles local optimistic messages with the latest server snapshot.
//
// Messages are keyed by id. When both sides know an id the server copy wins
// and the message is acknowledged. Local-only messages are still in flight
// and kept as they are. Server-only messages come from other sessions and
// are inserted as acknowledged. The result is sorted by Less.
//
// Merge never mutates its inputs and Merge(Merge(a, b), b) == Merge(a, b).
func Merge(local, server []models.Message) []models.Message {
	byID := make(map[string]models.Message, len(local)+len(server))
	for _, m := range local {
		byID[m.ID] = m.Clone()
	}
	for _, s := range server {
		merged := s.Clone()
		merged.DeliveryState = models.StateAcknowledged
		merged.UploadProgress = 0
		merged.FailureReason = ""
		byID[s.ID] = merged
	}

	out := make([]models.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	Sort(out)
	return out
}

// Less orders by server time when known, local time otherwise, then by id.
func Less(a, b models.Message) bool {
	ta, tb := a.OrderingTime(), b.OrderingTime()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

// Sort orders messages in place with Less.
func Sort(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return Less(msgs[i], msgs[j])
	})
}
