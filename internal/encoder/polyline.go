package encoder

import (
	"io"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/types"
	"github.com/twpayne/go-polyline"
)

type polylineTrack struct {
	Track    string   `json:"track"`
	Metadata Metadata `json:"metadata"`
}

type polylineDocument struct {
	Tracks []polylineTrack `json:"tracks"`
}

// EncodePolyline encodes the coordinates of points with the Google polyline
// algorithm at five decimal digits.
func EncodePolyline(points []types.TrackPoint) string {
	coords := make([][]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, []float64{p.Latitude, p.Longitude})
	}
	return string(polyline.EncodeCoords(coords))
}

// WritePolylineJSON writes {"tracks":[{"track":...,"metadata":{...}}]} with
// one entry per track.
func WritePolylineJSON(w io.Writer, points []types.TrackPoint) error {
	doc := polylineDocument{Tracks: []polylineTrack{}}
	for _, run := range GroupByTrack(points) {
		doc.Tracks = append(doc.Tracks, polylineTrack{
			Track:    EncodePolyline(run),
			Metadata: NewMetadata(run),
		})
	}
	return json.NewEncoder(w).Encode(doc)
}
