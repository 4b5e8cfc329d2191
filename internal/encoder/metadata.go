package encoder

import (
	"strconv"

	"github.com/trackserver/trackserver/types"
)

const metadataTimeLayout = "2006-01-02 15:04:05"

// Metadata describes a track by its last point.
type Metadata struct {
	LastTime     string  `json:"last_trkpt_time"`
	LastAltitude float64 `json:"last_trkpt_altitude"`
	LastSpeed    string  `json:"last_trkpt_speed_ms"`
	Distance     int64   `json:"distance"`
	TrackName    string  `json:"trackname"`

	// Owner fields stay empty for points without an owner.
	UserID      int64  `json:"userid,omitempty"`
	UserLogin   string `json:"userlogin,omitempty"`
	DisplayName string `json:"displayname,omitempty"`
}

// NewMetadata builds the metadata of a track run. run must not be empty.
func NewMetadata(run []types.TrackPoint) Metadata {
	last := run[len(run)-1]
	m := Metadata{
		LastTime:     last.Occurred.Format(metadataTimeLayout),
		LastAltitude: last.Altitude,
		LastSpeed:    strconv.FormatFloat(last.Speed, 'f', 3, 64),
		Distance:     last.Distance,
		TrackName:    last.TrackName,
	}
	if last.UserID != 0 {
		m.UserID = last.UserID
		m.UserLogin = last.UserLogin
		m.DisplayName = last.DisplayName
	}
	return m
}
