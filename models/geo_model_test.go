package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoPoint_RoundTrip(t *testing.T) {
	p := NewGeoPoint(Coordinate{Lat: 1.29, Lon: 103.85})

	assert.Equal(t, "Point", p.Type)
	assert.Equal(t, []float64{103.85, 1.29}, p.Coordinates)
	require.NotNil(t, p.Coordinate())
	assert.Equal(t, Coordinate{Lat: 1.29, Lon: 103.85}, *p.Coordinate())

	var missing *GeoPoint
	assert.Nil(t, missing.Coordinate())
	assert.Nil(t, (&GeoPoint{Type: "Point"}).Coordinate())
}

func TestCoordinate_Valid(t *testing.T) {
	assert.True(t, Coordinate{Lat: 10, Lon: 20}.Valid())
	assert.True(t, Coordinate{Lat: -90, Lon: 180}.Valid())
	assert.False(t, Coordinate{Lat: 91, Lon: 0}.Valid())
	assert.False(t, Coordinate{Lat: 0, Lon: -181}.Valid())
}

func TestCoordinate_DistanceTo(t *testing.T) {
	a := Coordinate{Lat: 10.0, Lon: 20.0}

	assert.InDelta(t, 0, a.DistanceTo(a), 1e-9)
	assert.InDelta(t, 1.5, a.DistanceTo(Coordinate{Lat: 10.00001, Lon: 20.00001}), 0.2)
	// one degree of latitude is roughly 111 km
	assert.InDelta(t, 111195, a.DistanceTo(Coordinate{Lat: 11.0, Lon: 20.0}), 50)
}

func TestPairKey_Unordered(t *testing.T) {
	assert.Equal(t, PairKey("a@x.com", "b@x.com"), PairKey("b@x.com", "a@x.com"))
	assert.Equal(t, "a@x.com|b@x.com", PairKey("b@x.com", "a@x.com"))
}

func TestUpdateFromUser(t *testing.T) {
	seen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	u := &User{
		Key:               "b@x.com",
		DisplayName:       "Bea",
		LastKnownLocation: NewGeoPoint(Coordinate{Lat: 1, Lon: 2}),
		LastSeen:          seen,
	}

	up := UpdateFromUser(u)

	assert.Equal(t, "b@x.com", up.Key)
	assert.Equal(t, "Bea", *up.DisplayName)
	assert.Nil(t, up.Location)
	assert.True(t, up.ClearLocation)
	assert.Equal(t, Coordinate{Lat: 1, Lon: 2}, *up.LastKnownLocation)
	assert.Equal(t, seen, *up.LastSeen)
}

func TestUserClone_IsDeep(t *testing.T) {
	u := &User{Key: "a", Friends: []string{"b"}, Location: NewGeoPoint(Coordinate{Lat: 1, Lon: 1})}
	cp := u.Clone()
	cp.Friends[0] = "c"
	cp.Location.Coordinates[0] = 9

	assert.Equal(t, "b", u.Friends[0])
	assert.Equal(t, 1.0, u.Location.Coordinates[0])
	assert.True(t, u.HasFriend("b"))
	assert.False(t, u.HasFriend("c"))
}
