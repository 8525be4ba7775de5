package presence

import (
	"time"

	"go-where/models"
)

const DefaultOnlineThreshold = 300 * time.Second

type Policy struct {
	OnlineThreshold time.Duration
}

func DefaultPolicy() Policy {
	return Policy{OnlineThreshold: DefaultOnlineThreshold}
}

// IsOnline reports whether the entry's last heartbeat is recent enough. An
// entry that never reported is offline.
func (p Policy) IsOnline(e models.PresenceEntry, now time.Time) bool {
	if e.LastSeen.IsZero() {
		return false
	}
	return now.Sub(e.LastSeen) < p.OnlineThreshold
}

// BestLocation prefers the live location and falls back to the last known.
func (p Policy) BestLocation(e models.PresenceEntry) *models.Coordinate {
	if e.Location != nil {
		return e.Location
	}
	return e.LastKnownLocation
}

type FriendView struct {
	Key             string             `json:"key"`
	DisplayName     string             `json:"display_name"`
	ProfileImageURL string             `json:"profile_image_url,omitempty"`
	Online          bool               `json:"online"`
	Sharing         bool               `json:"sharing"`
	Location        *models.Coordinate `json:"location,omitempty"`
	LastSeen        *time.Time         `json:"last_seen,omitempty"`
}

func (p Policy) View(entries []models.PresenceEntry, now time.Time) []FriendView {
	views := make([]FriendView, 0, len(entries))
	for _, e := range entries {
		v := FriendView{
			Key:             e.Key,
			DisplayName:     e.DisplayName,
			ProfileImageURL: e.ProfileImageURL,
			Online:          p.IsOnline(e, now),
			Sharing:         e.Location != nil,
			Location:        p.BestLocation(e),
		}
		if !e.LastSeen.IsZero() {
			seen := e.LastSeen
			v.LastSeen = &seen
		}
		views = append(views, v)
	}
	return views
}
