package geo

import "testing"

func TestDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   int64
	}{
		{name: "same point", lat1: 52.37, lon1: 4.89, lat2: 52.37, lon2: 4.89, want: 0},
		{name: "one degree of longitude on the equator", lat1: 0, lon1: 0, lat2: 0, lon2: 1, want: 111194},
		{name: "one degree of latitude", lat1: 0, lon1: 0, lat2: 1, lon2: 0, want: 111194},
		{name: "antipodes", lat1: 0, lon1: 0, lat2: 0, lon2: 180, want: 20015086},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2); got != tt.want {
				t.Fatalf("Distance() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	points := [][2]float64{
		{52.0907, 5.1214},
		{-33.8688, 151.2093},
		{40.7128, -74.0060},
		{0.0001, -0.0001},
	}
	for i, a := range points {
		for j, b := range points {
			ab := Distance(a[0], a[1], b[0], b[1])
			ba := Distance(b[0], b[1], a[0], a[1])
			if ab != ba {
				t.Fatalf("points %d/%d: %d != %d", i, j, ab, ba)
			}
		}
	}
}
