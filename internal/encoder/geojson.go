package encoder

import (
	"io"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/types"
)

// LineString is a GeoJSON geometry with [lon, lat] positions.
type LineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

type geoJSONTrack struct {
	Track    LineString `json:"track"`
	Metadata Metadata   `json:"metadata"`
}

type geoJSONDocument struct {
	Tracks []geoJSONTrack `json:"tracks"`
}

// NewLineString converts points to a GeoJSON LineString.
func NewLineString(points []types.TrackPoint) LineString {
	coords := make([][2]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, [2]float64{p.Longitude, p.Latitude})
	}
	return LineString{Type: "LineString", Coordinates: coords}
}

// WriteGeoJSON writes one LineString plus metadata per track.
func WriteGeoJSON(w io.Writer, points []types.TrackPoint) error {
	doc := geoJSONDocument{Tracks: []geoJSONTrack{}}
	for _, run := range GroupByTrack(points) {
		doc.Tracks = append(doc.Tracks, geoJSONTrack{
			Track:    NewLineString(run),
			Metadata: NewMetadata(run),
		})
	}
	return json.NewEncoder(w).Encode(doc)
}
