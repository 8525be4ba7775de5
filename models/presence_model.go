package models

import "time"

// PresenceEntry is the locally cached view of one friend.
type PresenceEntry struct {
	Key               string      `json:"key"`
	DisplayName       string      `json:"display_name"`
	Location          *Coordinate `json:"location,omitempty"`
	LastKnownLocation *Coordinate `json:"last_known_location,omitempty"`
	LastSeen          time.Time   `json:"last_seen"`
	ProfileImageURL   string      `json:"profile_image_url,omitempty"`
}

// PresenceUpdate is a possibly partial pushed record. Nil fields were not
// part of the push; ClearLocation explicitly removes the live location.
type PresenceUpdate struct {
	Key               string
	DisplayName       *string
	Location          *Coordinate
	LastKnownLocation *Coordinate
	LastSeen          *time.Time
	ProfileImageURL   *string
	ClearLocation     bool
}

// UpdateFromUser builds a full update from a user document.
func UpdateFromUser(u *User) PresenceUpdate {
	name, image := u.DisplayName, u.ProfileImageURL
	up := PresenceUpdate{
		Key:               u.Key,
		DisplayName:       &name,
		ProfileImageURL:   &image,
		Location:          u.Location.Coordinate(),
		LastKnownLocation: u.LastKnownLocation.Coordinate(),
		ClearLocation:     u.Location == nil,
	}
	if !u.LastSeen.IsZero() {
		seen := u.LastSeen
		up.LastSeen = &seen
	}
	return up
}

// EntryFromUser is the one-shot equivalent of applying UpdateFromUser to an
// empty entry.
func EntryFromUser(u *User) PresenceEntry {
	return PresenceEntry{
		Key:               u.Key,
		DisplayName:       u.DisplayName,
		Location:          u.Location.Coordinate(),
		LastKnownLocation: u.LastKnownLocation.Coordinate(),
		LastSeen:          u.LastSeen,
		ProfileImageURL:   u.ProfileImageURL,
	}
}
