package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citycab/dispatch/pkg/config"
)

func testArea() *ServiceArea {
	return NewServiceArea(config.ServiceAreaConfig{
		Primary:  config.BBox{MinLat: 22.6, MaxLat: 22.8, MinLon: 75.7, MaxLon: 75.9},
		Extended: config.BBox{MinLat: 22.5, MaxLat: 22.9, MinLon: 75.6, MaxLon: 76.0},
	})
}

func TestValidatePoint(t *testing.T) {
	area := testArea()

	tests := []struct {
		name string
		p    Point
		want Zone
	}{
		{"inside primary", Point{Latitude: 22.72, Longitude: 75.86}, ZonePrimary},
		{"exactly on primary boundary", Point{Latitude: 22.6, Longitude: 75.7}, ZonePrimary},
		{"primary max corner", Point{Latitude: 22.8, Longitude: 75.9}, ZonePrimary},
		{"extended only", Point{Latitude: 22.55, Longitude: 75.65}, ZoneExtended},
		{"exactly on extended boundary", Point{Latitude: 22.5, Longitude: 76.0}, ZoneExtended},
		{"outside everything", Point{Latitude: 23.5, Longitude: 75.86}, ZoneOutside},
		{"outside longitude", Point{Latitude: 22.7, Longitude: 77.0}, ZoneOutside},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, area.ValidatePoint(tt.p))
		})
	}
}

func TestInService(t *testing.T) {
	area := testArea()

	assert.True(t, area.InService(Point{Latitude: 22.72, Longitude: 75.86}))
	assert.True(t, area.InService(Point{Latitude: 22.55, Longitude: 75.65}))
	assert.False(t, area.InService(Point{Latitude: 0, Longitude: 0}))
}

func TestHaversine(t *testing.T) {
	// Same point has zero distance
	assert.Equal(t, 0.0, Haversine(22.72, 75.86, 22.72, 75.86))

	// One degree of latitude is about 111 km
	d := Haversine(22.0, 75.86, 23.0, 75.86)
	assert.InDelta(t, 111.2, d, 0.5)

	// Rounded to two decimal places
	d = Haversine(22.72, 75.86, 22.75, 75.89)
	assert.InDelta(t, d, float64(int(d*100))/100, 0.001)
}

func TestHaversineMeters(t *testing.T) {
	km := Haversine(22.72, 75.86, 22.75, 75.89)
	m := HaversineMeters(22.72, 75.86, 22.75, 75.89)
	assert.InDelta(t, km*1000, m, 10)
}

func TestEstimateDurationMinutes(t *testing.T) {
	// 40 km at 40 km/h is one hour
	assert.Equal(t, 60, EstimateDurationMinutes(40))
	assert.Equal(t, 0, EstimateDurationMinutes(0))
	assert.Equal(t, 8, EstimateDurationMinutes(5.5))
}
