package geo

import "github.com/citycab/dispatch/pkg/config"

// Zone classifies a point against the configured service area.
type Zone string

const (
	ZonePrimary  Zone = "primary"
	ZoneExtended Zone = "extended"
	ZoneOutside  Zone = "outside"
)

// Point is a WGS84 coordinate with an optional human address.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// ServiceArea validates points against the primary and extended bounding boxes.
type ServiceArea struct {
	primary  config.BBox
	extended config.BBox
}

// NewServiceArea builds a validator from configuration.
func NewServiceArea(cfg config.ServiceAreaConfig) *ServiceArea {
	return &ServiceArea{primary: cfg.Primary, extended: cfg.Extended}
}

// ValidatePoint classifies p. Boundary points are inside: a point exactly on
// the primary bbox edge is ZonePrimary.
func (s *ServiceArea) ValidatePoint(p Point) Zone {
	if contains(s.primary, p) {
		return ZonePrimary
	}
	if contains(s.extended, p) {
		return ZoneExtended
	}
	return ZoneOutside
}

// InService reports whether p may appear on a ride at all.
func (s *ServiceArea) InService(p Point) bool {
	return s.ValidatePoint(p) != ZoneOutside
}

func contains(b config.BBox, p Point) bool {
	return p.Latitude >= b.MinLat && p.Latitude <= b.MaxLat &&
		p.Longitude >= b.MinLon && p.Longitude <= b.MaxLon
}
