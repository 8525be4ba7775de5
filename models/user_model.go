package models

import "time"

// User is the remote user document. Bson field names are part of the
// stored schema and must not change.
type User struct {
	Key               string    `json:"key" bson:"_id"`
	Email             string    `json:"email" bson:"email"`
	DisplayName       string    `json:"display_name" bson:"display_name"`
	PasswordHash      string    `json:"-" bson:"password_hash,omitempty"`
	Location          *GeoPoint `json:"location,omitempty" bson:"location,omitempty"`
	LastKnownLocation *GeoPoint `json:"last_known_location,omitempty" bson:"last_known_location,omitempty"`
	LastSeen          time.Time `json:"last_seen" bson:"last_seen,omitempty"`
	ProfileImageURL   string    `json:"profile_image_url,omitempty" bson:"profile_image_url,omitempty"`
	Friends           []string  `json:"friends" bson:"friends"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at"`
}

func (u *User) HasFriend(key string) bool {
	for _, f := range u.Friends {
		if f == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	cp := *u
	cp.Friends = append([]string(nil), u.Friends...)
	if u.Location != nil {
		cp.Location = NewGeoPoint(*u.Location.Coordinate())
	}
	if u.LastKnownLocation != nil {
		cp.LastKnownLocation = NewGeoPoint(*u.LastKnownLocation.Coordinate())
	}
	return &cp
}
