// Package wfs is a small WFS 2.0 client covering what the pipeline
// needs from the 3D BAG feature service: hit counts, schema discovery
// and paged streaming of features into a GeoPackage layer.
package wfs

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"github.com/geonl/bgtlabel/internal/geopkg"
	"github.com/geonl/bgtlabel/internal/model"
	"github.com/geonl/bgtlabel/internal/observability"
	"github.com/geonl/bgtlabel/internal/progress"
)

const (
	ogcNamespace = "http://www.opengis.net/ogc"

	// responses shorter than this are inspected for a service
	// exception report before being treated as a result document
	exceptionProbeLimit = 32000

	schemaCacheSize = 32
)

// ServiceError is an OGC service exception returned in place of a
// result document.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string { return "wfs service exception: " + e.Message }

// Schema describes a feature type as advertised by DescribeFeatureType.
type Schema struct {
	TypeName   string
	GeomColumn string
	Fields     []geopkg.Field
}

type Client struct {
	URL        string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Limiter paces page requests so large regions do not hammer the
	// public service.
	Limiter *rate.Limiter
	Sink    progress.Sink

	schemas *lru.Cache[string, *Schema]
}

func NewClient(serviceURL string, httpClient *http.Client, logger *slog.Logger, sink progress.Sink) *Client {
	if sink == nil {
		sink = progress.Nop()
	}
	cache, _ := lru.New[string, *Schema](schemaCacheSize)
	return &Client{
		URL:        serviceURL,
		HTTPClient: httpClient,
		Logger:     logger,
		Limiter:    rate.NewLimiter(rate.Limit(4), 1),
		Sink:       sink,
		schemas:    cache,
	}
}

// HitCount asks the service how many features match without fetching
// any. Sent as a POST GetFeature with resultType="hits", mirroring how
// the paged queries will be filtered. filter is an optional fes 2.0
// predicate fragment combined with the bbox.
func (c *Client) HitCount(ctx context.Context, typeName, filter string, bbox *model.BBox) (int, error) {
	body := hitsRequest(typeName, filter, bbox)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "text/xml")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hit count for %q: %w", typeName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("wfs", time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("hit count for %q: %w", typeName, err)
	}
	if len(data) < exceptionProbeLimit {
		if se := parseServiceException(data); se != nil {
			return 0, se
		}
	}
	count, err := parseNumberMatched(data)
	if err != nil {
		return 0, fmt.Errorf("hit count for %q: %w", typeName, err)
	}
	return count, nil
}

// DescribeFeatureType fetches the attribute schema of a feature type.
// Results are cached; the schema of a published layer does not change
// within a run.
func (c *Client) DescribeFeatureType(ctx context.Context, typeName string) (*Schema, error) {
	if s, ok := c.schemas.Get(typeName); ok {
		return s, nil
	}

	q := url.Values{}
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "DescribeFeatureType")
	q.Set("typeNames", typeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("describe %q: %w", typeName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("wfs", time.Since(start).Seconds())
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("describe %q: unexpected status %s", typeName, resp.Status)
	}

	s, err := parseSchema(typeName, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("describe %q: %w", typeName, err)
	}
	c.schemas.Add(typeName, s)
	return s, nil
}

// FeatureBatch fetches one page of features as GeoJSON. A non-empty
// filter is sent as a KVP FILTER document with the bbox folded in,
// since the protocol forbids combining the FILTER and BBOX parameters.
func (c *Client) FeatureBatch(ctx context.Context, typeName, filter string, bbox *model.BBox, srsName string, count, startIndex int) (*geojson.FeatureCollection, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "GetFeature")
	q.Set("typeNames", typeName)
	q.Set("outputFormat", "application/json")
	q.Set("count", strconv.Itoa(count))
	q.Set("startIndex", strconv.Itoa(startIndex))
	if srsName != "" {
		q.Set("srsName", srsName)
	}
	if filter != "" {
		q.Set("filter", `<fes:Filter xmlns:fes="http://www.opengis.net/fes/2.0" xmlns:gml="http://www.opengis.net/gml/3.2">`+filterBody(filter, bbox)+`</fes:Filter>`)
	} else if bbox != nil {
		q.Set("bbox", bbox.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get features %q: %w", typeName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("wfs", time.Since(start).Seconds())
	observability.IncWFSPage()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get features %q: %w", typeName, err)
	}
	if len(data) < exceptionProbeLimit {
		if se := parseServiceException(data); se != nil {
			return nil, se
		}
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode features %q: %w", typeName, err)
	}
	return fc, nil
}

// StreamParams configures a paged download into a GeoPackage layer.
type StreamParams struct {
	TypeName string
	BBox     *model.BBox
	// Filter is an fes 2.0 predicate fragment applied on top of the
	// bbox, e.g. a PropertyIsEqualTo condition.
	Filter string
	// SRSName is forwarded to the service so features arrive already
	// in the target reference system.
	SRSName string
	SRSID   int32
	// PageSize is the feature count per request.
	PageSize int
	// StartIndex offsets the first page.
	StartIndex int
	// FIDSuffix renames pre-existing fid/FID attributes so they do not
	// clash with the GeoPackage primary key. Defaults to "_original".
	FIDSuffix string

	Destination string
	Layer       string
}

// StreamToFile pages through all matching features and writes them to
// a single GeoPackage layer. Feature ids are assigned continuously
// across pages so the result reads like one uninterrupted table.
func (c *Client) StreamToFile(ctx context.Context, p StreamParams) error {
	if p.PageSize <= 0 {
		return fmt.Errorf("stream %q: page size must be positive", p.TypeName)
	}
	if p.FIDSuffix == "" {
		p.FIDSuffix = "_original"
	}
	// reruns overwrite, never append
	if err := os.Remove(p.Destination); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stream %q: %w", p.TypeName, err)
	}

	total, err := c.HitCount(ctx, p.TypeName, p.Filter, p.BBox)
	if err != nil {
		return err
	}
	c.Logger.Info("stream start", "type", p.TypeName, "hits", total, "page_size", p.PageSize)

	pages := 0
	for marker := p.StartIndex; marker < total; marker += p.PageSize {
		pages++
	}
	task := c.Sink.StartTask("stream "+p.TypeName, int64(pages))
	defer task.Done()

	schema, err := c.DescribeFeatureType(ctx, p.TypeName)
	if err != nil {
		c.Logger.Warn("schema discovery failed, deriving from first page", "type", p.TypeName, "error", err)
		schema = nil
	}

	var ds *geopkg.Dataset
	defer func() {
		if ds != nil {
			_ = ds.Close()
		}
	}()

	for marker := p.StartIndex; marker < total; marker += p.PageSize {
		fc, err := c.FeatureBatch(ctx, p.TypeName, p.Filter, p.BBox, p.SRSName, p.PageSize, marker)
		if err != nil {
			return err
		}
		tbl, err := pageTable(fc, schema, p, int64(marker))
		if err != nil {
			return err
		}
		if ds == nil {
			ds, err = geopkg.Create(p.Destination)
			if err != nil {
				return err
			}
			geomType := "GEOMETRY"
			if len(fc.Features) > 0 && fc.Features[0].Geometry != nil {
				geomType = strings.ToUpper(fc.Features[0].Geometry.GeoJSONType())
			}
			if err := ds.CreateLayer(p.Layer, tbl.GeomColumn, p.SRSID, geomType, tbl.Fields); err != nil {
				return err
			}
			// lock the attribute layout to the first page
			if schema == nil {
				schema = &Schema{TypeName: p.TypeName, GeomColumn: tbl.GeomColumn, Fields: tbl.Fields}
			}
		}
		if err := ds.AppendRows(p.Layer, tbl); err != nil {
			return err
		}
		task.Advance(1)
	}
	if ds == nil {
		// zero hits still produces a valid, empty destination
		ds, err = geopkg.Create(p.Destination)
		if err != nil {
			return err
		}
		fields := []geopkg.Field{}
		if schema != nil {
			fields = schema.Fields
		}
		if err := ds.CreateLayer(p.Layer, "geom", p.SRSID, "GEOMETRY", fields); err != nil {
			return err
		}
	}
	c.Logger.Info("stream done", "type", p.TypeName, "features", total, "path", p.Destination)
	return nil
}

// pageTable converts one GeoJSON page to a geopkg table with explicit,
// continuous feature ids starting at marker+1.
func pageTable(fc *geojson.FeatureCollection, schema *Schema, p StreamParams, marker int64) (*geopkg.Table, error) {
	fidKey := "fid" + p.FIDSuffix
	fidKeyUpper := "FID" + strings.ToUpper(p.FIDSuffix)

	var fields []geopkg.Field
	if schema != nil {
		fields = append(fields, schema.Fields...)
	} else {
		fields = deriveFields(fc, fidKey, fidKeyUpper)
	}
	// GeoJSON output carries the source id as a property even when
	// DescribeFeatureType does not advertise it; keep it under its
	// renamed column
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f.Name] = true
	}
	for from, to := range map[string]string{"fid": fidKey, "FID": fidKeyUpper} {
		if !have[to] && hasProperty(fc, from) {
			fields = append(fields, geopkg.Field{Name: to, Type: "REAL"})
		}
	}

	t := &geopkg.Table{
		Layer:      p.Layer,
		GeomColumn: "geom",
		SRSID:      p.SRSID,
		Fields:     fields,
	}
	for i, f := range fc.Features {
		props := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = v
		}
		for from, to := range map[string]string{"fid": fidKey, "FID": fidKeyUpper} {
			if _, ok := props[from]; !ok {
				continue
			}
			if _, clash := props[to]; clash {
				return nil, fmt.Errorf("attribute %q already exists, need a collision free fid suffix", to)
			}
			props[to] = props[from]
			delete(props, from)
		}

		var blob []byte
		if f.Geometry != nil {
			var err error
			blob, err = geopkg.EncodeGeometry(f.Geometry, p.SRSID)
			if err != nil {
				return nil, err
			}
		}
		t.Rows = append(t.Rows, geopkg.Row{
			FID:    marker + int64(i) + 1,
			Geom:   blob,
			Values: props,
		})
	}
	return t, nil
}

func hasProperty(fc *geojson.FeatureCollection, name string) bool {
	for _, f := range fc.Features {
		if _, ok := f.Properties[name]; ok {
			return true
		}
	}
	return false
}

func deriveFields(fc *geojson.FeatureCollection, renamed ...string) []geopkg.Field {
	seen := map[string]bool{}
	var fields []geopkg.Field
	add := func(name string, v any) {
		if seen[name] {
			return
		}
		seen[name] = true
		typ := "TEXT"
		switch v.(type) {
		case float64, int, int64:
			typ = "REAL"
		case bool:
			typ = "INTEGER"
		}
		fields = append(fields, geopkg.Field{Name: name, Type: typ})
	}
	for _, f := range fc.Features {
		for k, v := range f.Properties {
			switch k {
			case "fid":
				add(renamed[0], v)
			case "FID":
				add(renamed[1], v)
			default:
				add(k, v)
			}
		}
	}
	return fields
}

func hitsRequest(typeName, filter string, bbox *model.BBox) string {
	var b strings.Builder
	b.WriteString(`<wfs:GetFeature service="WFS" version="2.0.0" resultType="hits"`)
	b.WriteString(` xmlns:wfs="http://www.opengis.net/wfs/2.0" xmlns:fes="http://www.opengis.net/fes/2.0" xmlns:gml="http://www.opengis.net/gml/3.2">`)
	fmt.Fprintf(&b, `<wfs:Query typeNames=%q>`, typeName)
	if body := filterBody(filter, bbox); body != "" {
		b.WriteString(`<fes:Filter>` + body + `</fes:Filter>`)
	}
	b.WriteString(`</wfs:Query></wfs:GetFeature>`)
	return b.String()
}

// filterBody renders the fes conditions for a query: the caller's
// predicate, the bbox, or both joined with fes:And.
func filterBody(filter string, bbox *model.BBox) string {
	var bb string
	if bbox != nil {
		bb = fmt.Sprintf(`<fes:BBOX><gml:Envelope srsName=%s><gml:lowerCorner>%g %g</gml:lowerCorner><gml:upperCorner>%g %g</gml:upperCorner></gml:Envelope></fes:BBOX>`,
			strconv.Quote("EPSG:"+bbox.SRID), bbox.X1, bbox.Y1, bbox.X2, bbox.Y2)
	}
	switch {
	case filter == "":
		return bb
	case bb == "":
		return filter
	}
	return "<fes:And>" + filter + bb + "</fes:And>"
}

func parseServiceException(data []byte) *ServiceError {
	var report struct {
		XMLName   xml.Name `xml:"ServiceExceptionReport"`
		Exception string   `xml:"ServiceException"`
	}
	if err := xml.Unmarshal(data, &report); err != nil {
		return nil
	}
	if report.XMLName.Space != ogcNamespace {
		return nil
	}
	return &ServiceError{Message: strings.TrimSpace(report.Exception)}
}

// parseNumberMatched reads the numberMatched attribute off the response
// root element without walking the whole document.
func parseNumberMatched(data []byte) (int, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return 0, fmt.Errorf("parse hits response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "numberMatched" {
				n, err := strconv.Atoi(attr.Value)
				if err != nil {
					return 0, fmt.Errorf("invalid numberMatched %q", attr.Value)
				}
				return n, nil
			}
		}
		return 0, fmt.Errorf("response root %q has no numberMatched", start.Name.Local)
	}
}

// parseSchema extracts attribute columns from a DescribeFeatureType
// document. Geometry-typed elements become the geometry column, the
// rest map to SQLite storage classes.
func parseSchema(typeName string, r io.Reader) (*Schema, error) {
	type element struct {
		Name string `xml:"name,attr"`
		Type string `xml:"type,attr"`
	}
	dec := xml.NewDecoder(r)
	s := &Schema{TypeName: typeName, GeomColumn: "geom"}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "element" {
			continue
		}
		var el element
		if err := dec.DecodeElement(&el, &start); err != nil {
			return nil, err
		}
		if el.Name == "" || el.Type == "" || el.Name == typeName {
			continue
		}
		if strings.HasPrefix(el.Type, "gml:") {
			s.GeomColumn = el.Name
			continue
		}
		s.Fields = append(s.Fields, geopkg.Field{Name: el.Name, Type: sqliteType(el.Type)})
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("no attribute elements found for %q", typeName)
	}
	return s, nil
}

func sqliteType(xsd string) string {
	switch strings.TrimPrefix(xsd, "xsd:") {
	case "int", "integer", "long", "short", "boolean":
		return "INTEGER"
	case "double", "decimal", "float":
		return "REAL"
	case "date", "dateTime":
		return "DATETIME"
	}
	return "TEXT"
}
