// Package convert turns downloaded BGT GML archives into GeoPackage
// layers. The heavy lifting (GML parsing, geometry fixing, clipping)
// is delegated to GDAL through godal; this package owns the archive
// handling and the schema location repair the national GML files need.
package convert

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/airbusgeo/godal"

	"github.com/geonl/bgtlabel/internal/model"
)

// The schemaLocation in BGT extracts points at file names that no
// longer resolve; rewrite them to the canonical register URLs so GDAL
// can fetch field definitions when asked to.
var schemaURLs = map[string]string{
	"imgeo.xsd":                  "https://register.geostandaarden.nl/gmlapplicatieschema/imgeo/2.1.1/imgeo.xsd",
	"imgeo-simple-2.1-gml31.xsd": "https://register.geostandaarden.nl/gmlapplicatieschema/imgeo/2.1.1/imgeo-simple.xsd",
}

// gmlOpenOptions keep the GML driver deterministic: no .gfs sidecars,
// no schema downloads during the open itself.
var gmlOpenOptions = []string{
	"WRITE_GFS=NO",
	"FORCE_SRS_DETECTION=NO",
	"EMPTY_AS_NULL=YES",
	"SWAP_COORDINATES=AUTO",
	"READ_MODE=AUTO",
	"CONSIDER_EPSG_AS_URN=AUTO",
	"EXPOSE_FID=AUTO",
	"DOWNLOAD_SCHEMA=NO",
}

const placeholderGML = `<?xml version="1.0" encoding="UTF-8"?>
<gml:FeatureCollection
  xmlns:xlink="http://www.w3.org/1999/xlink"
  xmlns:imgeo-s="http://www.geostandaarden.nl/imgeo/2.1/simple/gml31"
  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
  xmlns:gml="http://www.opengis.net/gml" xsi:schemaLocation="http://www.geostandaarden.nl/imgeo/2.1/simple/gml31 imgeo-simple-2.1-gml31.xsd http://www.opengis.net/gml http://schemas.opengis.net/gml/3.1.1/base/gml.xsd">
  <gml:featureMember>
    <imgeo-s:%[1]s gml:id="Dummy">
      <imgeo-s:objectBeginTijd xsi:nil="true"/>
      <imgeo-s:identificatie.namespace xsi:nil="true"/>
      <imgeo-s:identificatie.lokaalID xsi:nil="true"/>
      <imgeo-s:tijdstipRegistratie xsi:nil="true"/>
      <imgeo-s:LV-publicatiedatum xsi:nil="true"/>
      <imgeo-s:bronhouder xsi:nil="true"/>
      <imgeo-s:inOnderzoek xsi:nil="true"/>
      <imgeo-s:relatieveHoogteligging xsi:nil="true"/>
      <imgeo-s:bgt-status xsi:nil="true"/>
      <imgeo-s:bgt-type xsi:nil="true"/>
      <imgeo-s:plus-type xsi:nil="true"/>
      <imgeo-s:geometrie2d>
        <gml:MultiPolygon xmlns:gml="http://www.opengis.net/gml">
          <gml:polygonMember>
            <gml:Polygon>
              <gml:exterior>
                <gml:LinearRing>
                  <gml:posList xsi:nil="true"/>
                </gml:LinearRing>
              </gml:exterior>
            </gml:Polygon>
          </gml:polygonMember>
        </gml:MultiPolygon>
      </imgeo-s:geometrie2d>
    </imgeo-s:%[1]s>
  </gml:featureMember>
</gml:FeatureCollection>
`

// Options controls archive conversion.
type Options struct {
	// SrcCRS and DstCRS are authority strings like "EPSG:28992". An
	// empty SrcCRS falls back to whatever the file declares.
	SrcCRS string
	DstCRS string
	// ClipWKT clips features to a POLYGON/MULTIPOLYGON in DstCRS.
	ClipWKT string
	// Placeholder substitutes a single-row placeholder document when a
	// GML file carries no layers, so every feature type yields a
	// GeoPackage downstream code can open.
	Placeholder bool
	// CleanUp removes the extracted .gml (and .gfs) after conversion.
	CleanUp bool

	Logger *slog.Logger
}

func (o *Options) srcCRS() string {
	if o.SrcCRS == "" {
		return fmt.Sprintf("EPSG:%d", model.RDNewEPSG)
	}
	return o.SrcCRS
}

func (o *Options) dstCRS() string {
	if o.DstCRS == "" {
		return o.srcCRS()
	}
	return o.DstCRS
}

// Convert extracts a BGT archive and converts every GML member to a
// GeoPackage next to it. The returned map goes from layer name (the
// member stem after the extract prefix) to the GeoPackage path.
func Convert(archive, dstDir string, o Options) (map[string]string, error) {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archive, err)
	}
	defer func() { _ = zr.Close() }()

	if dstDir == "" {
		dstDir = filepath.Dir(archive)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, err
	}

	layers := make(map[string]string, len(zr.File))
	for _, member := range zr.File {
		srcPath, err := extractMember(member, dstDir)
		if err != nil {
			return nil, err
		}
		layerName := LayerName(srcPath)

		if err := fixSchemaLocations(srcPath); err != nil {
			return nil, err
		}
		if o.Placeholder {
			empty, err := hasNoLayers(srcPath)
			if err != nil {
				return nil, err
			}
			if empty {
				o.Logger.Debug("empty member, writing placeholder", "layer", layerName)
				doc := fmt.Sprintf(placeholderGML, upperFirst(layerName))
				if err := os.WriteFile(srcPath, []byte(doc), 0o644); err != nil {
					return nil, fmt.Errorf("write placeholder %s: %w", srcPath, err)
				}
			}
		}

		dstPath := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".gpkg"
		if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale %s: %w", dstPath, err)
		}
		if err := translateGML(srcPath, dstPath, o); err != nil {
			return nil, fmt.Errorf("convert %s: %w", filepath.Base(srcPath), err)
		}
		layers[layerName] = dstPath
		o.Logger.Debug("member converted", "layer", layerName, "path", dstPath)

		if o.CleanUp {
			_ = os.Remove(srcPath)
			_ = os.Remove(strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".gfs")
		}
	}
	return layers, nil
}

// LayerName derives the feature type name from an archive member path:
// the file stem with the extract prefix (everything up to the first
// underscore) removed.
func LayerName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if _, rest, ok := strings.Cut(stem, "_"); ok {
		return rest
	}
	return stem
}

func extractMember(member *zip.File, dstDir string) (string, error) {
	name := filepath.Clean(member.Name)
	if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive member %q escapes destination", member.Name)
	}
	dst := filepath.Join(dstDir, name)

	r, err := member.Open()
	if err != nil {
		return "", fmt.Errorf("open member %q: %w", member.Name, err)
	}
	defer func() { _ = r.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("extract %q: %w", member.Name, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// fixSchemaLocations applies the schema URL rewrites to a GML file in
// place. The replaced tokens only occur inside xsi:schemaLocation
// values, so a textual whole-word replacement is sufficient.
func fixSchemaLocations(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fixed := MultiReplace(string(data), schemaURLs)
	if fixed == string(data) {
		return nil
	}
	return os.WriteFile(path, []byte(fixed), 0o644)
}

// MultiReplace substitutes every whole-word occurrence of the map keys.
func MultiReplace(text string, phrases map[string]string) string {
	for old, repl := range phrases {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(old) + `\b`)
		text = re.ReplaceAllLiteralString(text, repl)
	}
	return text
}

func hasNoLayers(path string) (bool, error) {
	ds, err := godal.Open(path,
		godal.VectorOnly(),
		godal.Drivers("GML"),
		godal.Options(gmlOpenOptions...),
	)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = ds.Close() }()
	return len(ds.Layers()) == 0, nil
}

// translateGML runs ogr2ogr semantics: linearize curves, promote to
// multi geometries, drop Z, repair invalid rings, optionally clip.
func translateGML(src, dst string, o Options) error {
	ds, err := godal.Open(src,
		godal.VectorOnly(),
		godal.Drivers("GML"),
		godal.Options(gmlOpenOptions...),
	)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()

	switches := []string{
		"-f", "GPKG",
		"-s_srs", o.srcCRS(),
		"-t_srs", o.dstCRS(),
		"-nlt", "CONVERT_TO_LINEAR",
		"-nlt", "PROMOTE_TO_MULTI",
		"-dim", "XY",
		"-makevalid",
	}
	if o.ClipWKT != "" {
		switches = append(switches, "-clipsrc", o.ClipWKT)
	}
	out, err := ds.VectorTranslate(dst, switches)
	if err != nil {
		return err
	}
	return out.Close()
}

// VectorTranslate converts any vector dataset between formats and
// reference systems, with extra ogr2ogr switches appended verbatim.
func VectorTranslate(src, dst, format, srcCRS, dstCRS string, extra ...string) error {
	ds, err := godal.Open(src, godal.VectorOnly())
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = ds.Close() }()

	if format == "" {
		format = "GPKG"
	}
	switches := []string{"-f", format}
	if srcCRS != "" {
		switches = append(switches, "-s_srs", srcCRS)
	}
	if dstCRS != "" {
		switches = append(switches, "-t_srs", dstCRS)
	}
	switches = append(switches, extra...)

	out, err := ds.VectorTranslate(dst, switches)
	if err != nil {
		return fmt.Errorf("translate %s: %w", src, err)
	}
	return out.Close()
}

func upperFirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
