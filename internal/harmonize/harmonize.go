// Package harmonize normalizes converted layers into the shape the
// rasterizer expects: one geometry family, coerced datetimes, a class
// code attribute on every row, and a stable burn order.
package harmonize

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/geonl/bgtlabel/internal/classmap"
	"github.com/geonl/bgtlabel/internal/geopkg"
)

// Params controls one Prepare pass. The zero value keeps all rows and
// adds nothing.
type Params struct {
	// GeomTypes is the allow-list of GeoJSON geometry type names; rows
	// with other geometries are dropped. Nil keeps everything.
	GeomTypes []string
	// InferDatetime maps attribute names to Go time layouts. Values
	// that fail to parse become NULL.
	InferDatetime map[string]string
	// ClassAttr is the attribute that receives the class code. Empty
	// skips class assignment.
	ClassAttr string
	// Rule derives the class code per row (constant or lookup).
	Rule classmap.Rule
	// DefaultFill is the class code for rows the lookup cannot map.
	DefaultFill int
	// SortBy orders rows before they are written back; ties keep their
	// relative order. Missing values sort last.
	SortBy  []string
	SortAsc bool

	Logger *slog.Logger
}

// Prepare rewrites every layer of a GeoPackage in place. An emptied
// layer keeps a single placeholder row with an empty MultiPolygon so
// downstream readers always find a geometry column worth opening.
func Prepare(path string, p Params) error {
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	ds, err := geopkg.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()

	layers, err := ds.Layers()
	if err != nil {
		return err
	}
	for _, layer := range layers {
		if err := prepareLayer(ds, layer, p); err != nil {
			return fmt.Errorf("prepare %s %q: %w", path, layer, err)
		}
	}
	return nil
}

func prepareLayer(ds *geopkg.Dataset, layer string, p Params) error {
	t, err := ds.ReadTable(layer)
	if err != nil {
		return err
	}
	before := len(t.Rows)

	if p.GeomTypes != nil {
		allowed := make(map[string]bool, len(p.GeomTypes))
		for _, g := range p.GeomTypes {
			allowed[g] = true
		}
		kept := t.Rows[:0]
		for _, r := range t.Rows {
			if len(r.Geom) == 0 {
				continue
			}
			name, err := geopkg.TypeName(r.Geom)
			if err != nil {
				return fmt.Errorf("fid %d: %w", r.FID, err)
			}
			if allowed[name] {
				kept = append(kept, r)
			}
		}
		t.Rows = kept
	}

	for attr, layout := range p.InferDatetime {
		if !t.Field(attr) {
			continue
		}
		for _, r := range t.Rows {
			r.Values[attr] = coerceDatetime(r.Values[attr], layout)
		}
	}

	if len(t.Rows) == 0 {
		blob, err := geopkg.EncodeGeometry(orb.MultiPolygon{}, t.SRSID)
		if err != nil {
			return err
		}
		t.Rows = append(t.Rows, geopkg.Row{Geom: blob, Values: map[string]any{}})
		p.Logger.Debug("layer emptied, keeping placeholder row", "layer", layer)
	}

	if p.ClassAttr != "" {
		if !t.Field(p.ClassAttr) {
			if err := ds.AddColumn(layer, p.ClassAttr, "MEDIUMINT"); err != nil {
				return err
			}
			t.Fields = append(t.Fields, geopkg.Field{Name: p.ClassAttr, Type: "MEDIUMINT"})
		}
		for _, r := range t.Rows {
			r.Values[p.ClassAttr] = classCode(r.Values, p.Rule, p.DefaultFill)
		}
	}

	if len(p.SortBy) > 0 {
		sortRows(t.Rows, p.SortBy, p.SortAsc)
	}

	if err := ds.ReplaceRows(layer, t); err != nil {
		return err
	}
	p.Logger.Debug("layer prepared", "layer", layer, "rows_in", before, "rows_out", len(t.Rows))
	return nil
}

// Alter applies a declarative attribute rewrite to one layer.
func Alter(path, layer string, rule classmap.AlterRule) error {
	ds, err := geopkg.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()
	if layer == "" {
		layer, err = firstLayer(ds)
		if err != nil {
			return err
		}
	}
	return ds.Exec(rule.SQL(layer))
}

// ExecSQL runs a statement template against a GeoPackage, substituting
// {layer} with the (quoted) first layer name.
func ExecSQL(path, template string) error {
	ds, err := geopkg.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()
	layer, err := firstLayer(ds)
	if err != nil {
		return err
	}
	stmt := strings.TrimSpace(strings.ReplaceAll(template, "{layer}", `"`+layer+`"`))
	if stmt == "" {
		return nil
	}
	return ds.Exec(stmt)
}

func firstLayer(ds *geopkg.Dataset) (string, error) {
	layers, err := ds.Layers()
	if err != nil {
		return "", err
	}
	if len(layers) == 0 {
		return "", fmt.Errorf("%s has no feature layers", ds.Path())
	}
	return layers[0], nil
}

// coerceDatetime parses v with the given layout and reformats it as an
// ISO 8601 timestamp. Unparseable or missing values become NULL.
func coerceDatetime(v any, layout string) any {
	if v == nil {
		return nil
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case int64:
		s = fmt.Sprintf("%d", x)
	case float64:
		s = fmt.Sprintf("%g", x)
	default:
		return nil
	}
	ts, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return ts.UTC().Format("2006-01-02T15:04:05Z")
}

func classCode(values map[string]any, rule classmap.Rule, fill int) int {
	if rule.Constant() {
		return rule.Value
	}
	v, ok := values[rule.From]
	if !ok || v == nil {
		return fill
	}
	if code, ok := rule.Map[asString(v)]; ok {
		return code
	}
	return fill
}

// asString normalizes driver scan types; TEXT may arrive as []byte.
func asString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func sortRows(rows []geopkg.Row, keys []string, asc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(rows[i].Values[k], rows[j].Values[k])
			if c == 0 {
				continue
			}
			if asc {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

// compareValues orders SQLite storage classes: numbers first by value,
// then text, with NULL always last.
func compareValues(a, b any) int {
	an, aIsNum := asFloat(a)
	bn, bIsNum := asFloat(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case aIsNum && bIsNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aIsNum:
		return -1
	case bIsNum:
		return 1
	}
	return strings.Compare(asString(a), asString(b))
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case []byte:
		return 0, false
	}
	return 0, false
}
