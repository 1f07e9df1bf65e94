package validator

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// WorldBound is the longitude/latitude envelope used when none is configured.
var WorldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// mercatorBound is the longitude/latitude range Web Mercator represents.
var mercatorBound = orb.Bound{Min: orb.Point{-180, -85.05112878}, Max: orb.Point{180, 85.05112878}}

// coordinateProjection returns the projection from WGS84 longitude/latitude
// into srid and the degree range it accepts. A nil projection means the
// column stores degrees.
func coordinateProjection(srid int) (orb.Projection, orb.Bound, error) {
	switch srid {
	case 4326:
		return nil, WorldBound, nil
	case 3857, 900913:
		return project.WGS84.ToMercator, mercatorBound, nil
	default:
		return nil, orb.Bound{}, fmt.Errorf("latitude/longitude cannot be converted to SRID %d; supply a geometry column in that SRID", srid)
	}
}

// parseGeometry reads WKT (optionally EWKT with an SRID prefix) or a GeoJSON
// geometry object.
func parseGeometry(raw string) (orb.Geometry, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "{") {
		g, err := geojson.UnmarshalGeometry([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("invalid geojson geometry: %w", err)
		}
		if g.Geometry() == nil {
			return nil, fmt.Errorf("invalid geojson geometry: empty")
		}
		return g.Geometry(), nil
	}

	if strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = text[i+1:]
		}
	}
	g, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("invalid wkt geometry: %w", err)
	}
	return g, nil
}

// geometryProblems lists the ways a geometry violates the shape rules.
// A nil envelope disables the extent check.
func geometryProblems(g orb.Geometry, envelope *orb.Bound) []string {
	var problems []string

	switch geom := g.(type) {
	case orb.Point:
	case orb.MultiPoint:
		if len(geom) == 0 {
			problems = append(problems, "multipoint has no points")
		}
	case orb.LineString:
		problems = append(problems, lineProblems(geom, "linestring")...)
	case orb.MultiLineString:
		for i, line := range geom {
			problems = append(problems, lineProblems(line, fmt.Sprintf("linestring %d", i+1))...)
		}
	case orb.Polygon:
		problems = append(problems, polygonProblems(geom, "polygon")...)
	case orb.MultiPolygon:
		for i, polygon := range geom {
			problems = append(problems, polygonProblems(polygon, fmt.Sprintf("polygon %d", i+1))...)
		}
	case orb.Collection:
		for _, member := range geom {
			problems = append(problems, geometryProblems(member, nil)...)
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported geometry type %s", g.GeoJSONType()))
	}

	if envelope != nil {
		if p, outside := firstOutside(g, *envelope); outside {
			problems = append(problems, fmt.Sprintf("coordinate (%g %g) lies outside the allowed extent", p[0], p[1]))
		}
	}
	return problems
}

func lineProblems(line orb.LineString, label string) []string {
	if len(line) < 2 {
		return []string{fmt.Sprintf("%s needs at least 2 points", label)}
	}
	if selfIntersects(line, false) {
		return []string{fmt.Sprintf("%s intersects itself", label)}
	}
	return nil
}

func polygonProblems(polygon orb.Polygon, label string) []string {
	if len(polygon) == 0 {
		return []string{fmt.Sprintf("%s has no rings", label)}
	}
	var problems []string
	for i, ring := range polygon {
		name := fmt.Sprintf("%s ring %d", label, i+1)
		if len(ring) < 4 {
			problems = append(problems, fmt.Sprintf("%s needs at least 4 points", name))
			continue
		}
		if !ring.Closed() {
			problems = append(problems, fmt.Sprintf("%s is not closed", name))
			continue
		}
		if distinct := dropRepeated(orb.LineString(ring)); len(distinct) < 4 || math.Abs(planar.Area(ring)) == 0 {
			problems = append(problems, fmt.Sprintf("%s has zero area", name))
			continue
		}
		if selfIntersects(orb.LineString(ring), true) {
			problems = append(problems, fmt.Sprintf("%s intersects itself", name))
		}
	}
	return problems
}

// selfIntersects checks every pair of non-adjacent segments. For closed
// rings the first and last segments share a vertex and count as adjacent.
func selfIntersects(line orb.LineString, closed bool) bool {
	line = dropRepeated(line)
	segments := len(line) - 1
	for i := 0; i < segments; i++ {
		for j := i + 1; j < segments; j++ {
			if j == i+1 {
				if collinearOverlap(line[i], line[i+1], line[j+1]) {
					return true
				}
				continue
			}
			if closed && i == 0 && j == segments-1 {
				continue
			}
			if segmentsIntersect(line[i], line[i+1], line[j], line[j+1]) {
				return true
			}
		}
	}
	return false
}

func dropRepeated(line orb.LineString) orb.LineString {
	out := make(orb.LineString, 0, len(line))
	for i, p := range line {
		if i > 0 && p == line[i-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// collinearOverlap catches a segment that doubles back over its neighbour.
func collinearOverlap(a, shared, c orb.Point) bool {
	if a == shared || c == shared || orientation(a, shared, c) != 0 {
		return false
	}
	return onSegment(shared, a, c) || onSegment(a, c, shared)
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 && o1 != 0 && o2 != 0 && o3 != 0 && o4 != 0 {
		return true
	}
	switch {
	case o1 == 0 && onSegment(p1, q1, p2):
		return true
	case o2 == 0 && onSegment(p1, q2, p2):
		return true
	case o3 == 0 && onSegment(q1, p1, q2):
		return true
	case o4 == 0 && onSegment(q1, p2, q2):
		return true
	}
	return false
}

// orientation returns 0 for collinear points, 1 for clockwise and 2 for
// counter-clockwise turns.
func orientation(a, b, c orb.Point) int {
	v := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case v == 0:
		return 0
	case v > 0:
		return 1
	default:
		return 2
	}
}

// onSegment reports whether q lies within the bounding box of segment pr.
func onSegment(p, q, r orb.Point) bool {
	return q[0] <= max(p[0], r[0]) && q[0] >= min(p[0], r[0]) &&
		q[1] <= max(p[1], r[1]) && q[1] >= min(p[1], r[1])
}

func firstOutside(g orb.Geometry, envelope orb.Bound) (orb.Point, bool) {
	var (
		found   orb.Point
		outside bool
	)
	visitPoints(g, func(p orb.Point) bool {
		if !envelope.Contains(p) {
			found, outside = p, true
			return false
		}
		return true
	})
	return found, outside
}

func visitPoints(g orb.Geometry, fn func(orb.Point) bool) bool {
	switch geom := g.(type) {
	case orb.Point:
		return fn(geom)
	case orb.MultiPoint:
		for _, p := range geom {
			if !fn(p) {
				return false
			}
		}
	case orb.LineString:
		for _, p := range geom {
			if !fn(p) {
				return false
			}
		}
	case orb.Ring:
		for _, p := range geom {
			if !fn(p) {
				return false
			}
		}
	case orb.MultiLineString:
		for _, line := range geom {
			if !visitPoints(line, fn) {
				return false
			}
		}
	case orb.Polygon:
		for _, ring := range geom {
			if !visitPoints(ring, fn) {
				return false
			}
		}
	case orb.MultiPolygon:
		for _, polygon := range geom {
			if !visitPoints(polygon, fn) {
				return false
			}
		}
	case orb.Collection:
		for _, member := range geom {
			if !visitPoints(member, fn) {
				return false
			}
		}
	}
	return true
}

// representativePoint returns the point used for proximity matching.
func representativePoint(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	center, _ := planar.CentroidArea(g)
	return center
}
