// Package model holds the small value types shared across pipeline stages.
package model

import (
	"fmt"

	"github.com/paulmach/orb"
)

// RDNewEPSG is the projected CRS all BGT payloads are requested and
// harmonized in (Amersfoort / RD New).
const RDNewEPSG = 28992

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

func BBoxFromBound(bd orb.Bound, srid string) BBox {
	return BBox{X1: bd.Min[0], Y1: bd.Min[1], X2: bd.Max[0], Y2: bd.Max[1], SRID: srid}
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.X1, b.Y1}, Max: orb.Point{b.X2, b.Y2}}
}

// RegionItem is the unit of work flowing through the pipeline stages.
// Each stage enriches it and hands it on to the next one.
type RegionItem struct {
	// FeatureID identifies the ROI feature the region was cut from.
	FeatureID string
	// Boundary is the region polygon in EPSG:28992.
	Boundary orb.Polygon
	// Archive is the downloaded layer archive (zip), set by the
	// download stage.
	Archive string
	// WorkDir is the per-region working directory owned by the
	// orchestrator.
	WorkDir string
	// Layers maps layer (feature type) names to harmonized dataset
	// paths. Populated by convert, rewritten by prepare, extended by
	// the optional bag stage.
	Layers map[string]string
}
