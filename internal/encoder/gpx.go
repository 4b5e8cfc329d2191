package encoder

import (
	"io"

	"github.com/tkrajina/gpxgo/gpx"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/types"
)

const gpxCreator = "trackserver"

// WriteGPX writes points as a GPX 1.1 document. The author is the owner of
// the first point, even when the export spans several owners. Stored local
// times are shifted back to UTC with the zone offset in effect at the first
// point.
func WriteGPX(w io.Writer, points []types.TrackPoint, zone localtime.Zone) error {
	doc := &gpx.GPX{
		Version: "1.1",
		Creator: gpxCreator,
	}
	if len(points) > 0 {
		doc.AuthorName = points[0].DisplayName
		if doc.AuthorName == "" {
			doc.AuthorName = points[0].UserLogin
		}
	}

	var batch localtime.Batch
	if len(points) > 0 {
		batch = zone.BatchAtNaive(points[0].Occurred)
	}

	for _, run := range GroupByTrack(points) {
		seg := gpx.GPXTrackSegment{Points: make([]gpx.GPXPoint, 0, len(run))}
		for _, p := range run {
			pt := gpx.GPXPoint{
				Point: gpx.Point{
					Latitude:  p.Latitude,
					Longitude: p.Longitude,
				},
				Timestamp: batch.Instant(p.Occurred).UTC(),
			}
			if p.Altitude != 0 {
				pt.Elevation = *gpx.NewNullableFloat64(p.Altitude)
			}
			seg.Points = append(seg.Points, pt)
		}
		doc.Tracks = append(doc.Tracks, gpx.GPXTrack{
			Name:        run[0].TrackName,
			Description: run[0].TrackComment,
			Segments:    []gpx.GPXTrackSegment{seg},
		})
	}

	data, err := doc.ToXml(gpx.ToXmlParams{Version: "1.1", Indent: true})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
