package geo

import (
	"github.com/uber/h3-go/v4"
)

// H3 resolution levels.
// See: https://h3geo.org/docs/core-library/restable
const (
	// H3ResolutionMatching tags location samples for driver dispatch (~175m edge).
	H3ResolutionMatching = 9

	// H3ResolutionZone is used for coarse zone aggregation (~1.2 km edge).
	H3ResolutionZone = 7
)

// LatLngToCell converts latitude/longitude to an H3 cell index at the given resolution.
func LatLngToCell(lat, lng float64, resolution int) h3.Cell {
	latLng := h3.NewLatLng(lat, lng)
	cell, err := h3.LatLngToCell(latLng, resolution)
	if err != nil {
		return 0
	}
	return cell
}

// CellToLatLng returns the center coordinates of an H3 cell.
func CellToLatLng(cell h3.Cell) (lat, lng float64) {
	latLng, err := cell.LatLng()
	if err != nil {
		return 0, 0
	}
	return latLng.Lat, latLng.Lng
}

// MatchingCell returns the H3 cell (as string) that tags a location sample.
func MatchingCell(lat, lng float64) string {
	return LatLngToCell(lat, lng, H3ResolutionMatching).String()
}

// ZoneCell returns the coarse aggregation cell (as string) for a location.
func ZoneCell(lat, lng float64) string {
	return LatLngToCell(lat, lng, H3ResolutionZone).String()
}
