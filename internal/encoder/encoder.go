// Package encoder renders stored track points for map clients.
//
// Every encoder expects points grouped by track and ordered by occurred time
// within a track, which is the order the location repository returns.
package encoder

import (
	"fmt"
	"io"
	"strings"

	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/types"
)

// Format names an export encoding.
type Format string

const (
	FormatPolyline Format = "polyline"
	FormatGPX      Format = "gpx"
	FormatGeoJSON  Format = "geojson"
)

// ParseFormat accepts a format name, defaulting to polyline when empty.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatPolyline, nil
	case FormatPolyline, FormatGPX, FormatGeoJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q", raw)
	}
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatGPX:
		return "application/gpx+xml"
	case FormatGeoJSON:
		return "application/geo+json"
	default:
		return "application/json"
	}
}

// Encode writes points to w in format f. zone is only used by GPX.
func Encode(w io.Writer, f Format, points []types.TrackPoint, zone localtime.Zone) error {
	switch f {
	case FormatGPX:
		return WriteGPX(w, points, zone)
	case FormatGeoJSON:
		return WriteGeoJSON(w, points)
	case FormatPolyline, "":
		return WritePolylineJSON(w, points)
	default:
		return fmt.Errorf("unknown export format %q", f)
	}
}

// GroupByTrack splits points into runs of equal track id, keeping order.
func GroupByTrack(points []types.TrackPoint) [][]types.TrackPoint {
	var runs [][]types.TrackPoint
	start := 0
	for i := 1; i <= len(points); i++ {
		if i == len(points) || points[i].TrackID != points[start].TrackID {
			runs = append(runs, points[start:i])
			start = i
		}
	}
	return runs
}
