// Package availability keeps the index of online drivers consulted when a request is created.
package availability

import (
	"math"
	"sort"
	"strings"

	"towhub/internal/types"
)

// meanEarthRadiusKm is the radius Redis GEO commands use.
const meanEarthRadiusKm = 6372.7976

// distanceKm is the haversine great-circle distance between a and b.
func distanceKm(a, b types.Point) float64 {
	const rad = math.Pi / 180
	sinLat := math.Sin((b.Lat - a.Lat) * rad / 2)
	sinLng := math.Sin((b.Lng - a.Lng) * rad / 2)
	h := sinLat*sinLat + math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*sinLng*sinLng
	return 2 * meanEarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// rankCandidates orders nearest first; equal distances fall back to driver id
// so fan-out order is deterministic.
func rankCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].DistanceKm != cs[j].DistanceKm {
			return cs[i].DistanceKm < cs[j].DistanceKm
		}
		return cs[i].DriverID < cs[j].DriverID
	})
}

// normalizeCategories lowercases, trims and dedups, dropping empties.
func normalizeCategories(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
