package timeline

import (
	"fmt"
	"math"
	"time"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// Group splits chronologically ordered messages into calendar-day sections
// in loc. Messages without any timestamp are left out until they get one.
// Within a section the input order is preserved.
func Group(msgs []models.Message, now time.Time, loc *time.Location) []models.DateSection {
	if loc == nil {
		loc = time.Local
	}
	today := dayStart(now, loc)

	var sections []models.DateSection
	index := make(map[time.Time]int)
	for _, m := range msgs {
		if !m.HasTimestamp() {
			continue
		}
		day := dayStart(m.OrderingTime(), loc)
		i, ok := index[day]
		if !ok {
			sections = append(sections, models.DateSection{
				Label: Label(day, today),
				Day:   day,
			})
			i = len(sections) - 1
			index[day] = i
		}
		sections[i].Messages = append(sections[i].Messages, m)
	}
	return sections
}

// Label names a calendar day relative to today. Both arguments must be
// midnights in the same location.
func Label(day, today time.Time) string {
	switch diff := daysBetween(day, today); {
	case diff <= 0:
		return "Today"
	case diff == 1:
		return "Yesterday"
	case diff < 7:
		return day.Weekday().String()
	case day.Year() == today.Year():
		return day.Format("Jan 2")
	default:
		return day.Format("Jan 2, 2006")
	}
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days; rounding absorbs 23 and 25 hour DST days.
func daysBetween(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}

// Preview summarises the newest message for a conversation list.
func Preview(conversationID string, msgs []models.Message) (models.ConversationPreview, bool) {
	if len(msgs) == 0 {
		return models.ConversationPreview{}, false
	}
	last := msgs[len(msgs)-1]
	return models.ConversationPreview{
		ConversationID: conversationID,
		LastMessage:    last,
		Summary:        Summary(last),
	}, true
}

// Summary renders a one-line description of a message.
func Summary(m models.Message) string {
	switch body := m.Body.(type) {
	case models.TextBody:
		return body.Text
	case models.ContactBody:
		return "👤 " + body.Name
	case models.MediaBody:
		switch m.Kind {
		case models.KindImage:
			return "📷 Photo"
		case models.KindVideo:
			return "🎥 Video"
		case models.KindAudio:
			return "🎵 Audio"
		default:
			return "📄 " + body.Asset.Name()
		}
	case nil:
		return ""
	default:
		return fmt.Sprintf("[%s]", m.Kind)
	}
}
