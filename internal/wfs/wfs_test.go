package wfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/geonl/bgtlabel/internal/geopkg"
	"github.com/geonl/bgtlabel/internal/model"
	"github.com/geonl/bgtlabel/internal/observability"
	"github.com/geonl/bgtlabel/internal/progress"
)

const testSchemaXML = `<?xml version="1.0"?>
<xsd:schema xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:gml="http://www.opengis.net/gml/3.2">
  <xsd:complexType name="lod12Type">
    <xsd:sequence>
      <xsd:element name="identificatie" type="xsd:string"/>
      <xsd:element name="oorspronkelijkbouwjaar" type="xsd:string"/>
      <xsd:element name="hoogte" type="xsd:double"/>
      <xsd:element name="geometrie" type="gml:MultiSurfacePropertyType"/>
    </xsd:sequence>
  </xsd:complexType>
</xsd:schema>`

func pageJSON(start, count, total int) string {
	var feats []string
	for i := start; i < start+count && i < total; i++ {
		feats = append(feats, fmt.Sprintf(`{
			"type":"Feature",
			"properties":{"identificatie":"bag-%d","oorspronkelijkbouwjaar":"1990","hoogte":%d.5,"fid":%d},
			"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}
		}`, i, i, i))
	}
	return `{"type":"FeatureCollection","features":[` + strings.Join(feats, ",") + `]}`
}

func newStreamServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body := make([]byte, 1<<16)
			n, _ := r.Body.Read(body)
			if !strings.Contains(string(body[:n]), `resultType="hits"`) {
				t.Errorf("hits request missing resultType: %s", body[:n])
			}
			fmt.Fprintf(w, `<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0" numberMatched="%d" numberReturned="0"/>`, total)
			return
		}
		switch r.URL.Query().Get("request") {
		case "DescribeFeatureType":
			fmt.Fprint(w, testSchemaXML)
		case "GetFeature":
			start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
			count, _ := strconv.Atoi(r.URL.Query().Get("count"))
			fmt.Fprint(w, pageJSON(start, count, total))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(url string) *Client {
	return NewClient(url, http.DefaultClient, observability.NewLogger("error"), progress.Nop())
}

func TestHitCount(t *testing.T) {
	srv := newStreamServer(t, 1234)
	defer srv.Close()

	c := newTestClient(srv.URL)
	bbox := &model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100, SRID: "28992"}
	n, err := c.HitCount(context.Background(), "BAG3D:lod12", "", bbox)
	if err != nil {
		t.Fatalf("HitCount: %v", err)
	}
	if n != 1234 {
		t.Fatalf("hits = %d, want 1234", n)
	}
}

func TestHitCountAttributeFilter(t *testing.T) {
	var posted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 1<<16)
		n, _ := r.Body.Read(body)
		posted = string(body[:n])
		fmt.Fprint(w, `<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0" numberMatched="7"/>`)
	}))
	defer srv.Close()

	cond := `<fes:PropertyIsEqualTo><fes:ValueReference>status</fes:ValueReference><fes:Literal>Pand in gebruik</fes:Literal></fes:PropertyIsEqualTo>`
	c := newTestClient(srv.URL)
	bbox := &model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100, SRID: "28992"}
	n, err := c.HitCount(context.Background(), "BAG3D:lod12", cond, bbox)
	if err != nil {
		t.Fatalf("HitCount: %v", err)
	}
	if n != 7 {
		t.Fatalf("hits = %d, want 7", n)
	}
	if !strings.Contains(posted, cond) {
		t.Fatalf("hits request missing attribute condition: %s", posted)
	}
	if !strings.Contains(posted, "<fes:And>") || !strings.Contains(posted, "<fes:BBOX>") {
		t.Fatalf("hits request should combine condition and bbox with fes:And: %s", posted)
	}
}

func TestFeatureBatchFilterParam(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
	}))
	defer srv.Close()

	cond := `<fes:PropertyIsEqualTo><fes:ValueReference>status</fes:ValueReference><fes:Literal>Pand in gebruik</fes:Literal></fes:PropertyIsEqualTo>`
	c := newTestClient(srv.URL)
	bbox := &model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10, SRID: "28992"}
	if _, err := c.FeatureBatch(context.Background(), "BAG3D:lod12", cond, bbox, "", 10, 0); err != nil {
		t.Fatalf("FeatureBatch: %v", err)
	}
	f := query.Get("filter")
	if !strings.Contains(f, cond) || !strings.Contains(f, "<fes:BBOX>") {
		t.Fatalf("filter parameter should carry condition and bbox, got %q", f)
	}
	if query.Get("bbox") != "" {
		t.Fatal("bbox parameter must be folded into the filter document")
	}
}

func TestHitCountServiceException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<ServiceExceptionReport xmlns="http://www.opengis.net/ogc">
			<ServiceException> unknown feature type </ServiceException>
		</ServiceExceptionReport>`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.HitCount(context.Background(), "nope", "", nil)
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("HitCount error = %v, want *ServiceError", err)
	}
	if se.Message != "unknown feature type" {
		t.Fatalf("exception message = %q", se.Message)
	}
}

func TestDescribeFeatureTypeCached(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		fmt.Fprint(w, testSchemaXML)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for range 3 {
		s, err := c.DescribeFeatureType(context.Background(), "BAG3D:lod12")
		if err != nil {
			t.Fatalf("DescribeFeatureType: %v", err)
		}
		if s.GeomColumn != "geometrie" {
			t.Fatalf("geometry column = %q, want geometrie", s.GeomColumn)
		}
		if len(s.Fields) != 3 {
			t.Fatalf("fields = %v, want 3 attributes", s.Fields)
		}
	}
	if calls != 1 {
		t.Fatalf("schema requests = %d, want 1 (cached)", calls)
	}
}

func TestStreamToFilePaginates(t *testing.T) {
	srv := newStreamServer(t, 5)
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "bag.gpkg")
	c := newTestClient(srv.URL)
	err := c.StreamToFile(context.Background(), StreamParams{
		TypeName:    "BAG3D:lod12",
		BBox:        &model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10, SRID: "28992"},
		SRSName:     "urn:ogc:def:crs:EPSG::28992",
		SRSID:       model.RDNewEPSG,
		PageSize:    2,
		Destination: dst,
		Layer:       "lod12",
	})
	if err != nil {
		t.Fatalf("StreamToFile: %v", err)
	}

	ds, err := geopkg.Open(dst)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	defer ds.Close()
	tbl, err := ds.ReadTable("lod12")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if len(tbl.Rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(tbl.Rows))
	}
	for i, r := range tbl.Rows {
		if r.FID != int64(i)+1 {
			t.Fatalf("row %d fid = %d, want continuous ids across pages", i, r.FID)
		}
	}
	if !tbl.Field("fid_original") {
		t.Fatalf("fields %v missing renamed fid_original", tbl.Fields)
	}
	if tbl.Field("fid") {
		t.Fatal("source fid attribute should have been renamed")
	}
}

func TestStreamToFileOverwritesOnRerun(t *testing.T) {
	srv := newStreamServer(t, 3)
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "bag.gpkg")
	c := newTestClient(srv.URL)
	p := StreamParams{
		TypeName:    "BAG3D:lod12",
		BBox:        &model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10, SRID: "28992"},
		SRSID:       model.RDNewEPSG,
		PageSize:    2,
		Destination: dst,
		Layer:       "lod12",
	}
	for run := range 2 {
		if err := c.StreamToFile(context.Background(), p); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}

	ds, err := geopkg.Open(dst)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	defer ds.Close()
	tbl, err := ds.ReadTable("lod12")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if len(tbl.Rows) != 3 {
		t.Fatalf("rows after rerun = %d, want 3", len(tbl.Rows))
	}
}

func TestPageTableFidCollision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0" numberMatched="1"/>`)
			return
		}
		if r.URL.Query().Get("request") == "DescribeFeatureType" {
			fmt.Fprint(w, testSchemaXML)
			return
		}
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[{
			"type":"Feature",
			"properties":{"fid":1,"fid_original":"taken"},
			"geometry":{"type":"Point","coordinates":[1,2]}
		}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.StreamToFile(context.Background(), StreamParams{
		TypeName:    "BAG3D:lod12",
		SRSID:       model.RDNewEPSG,
		PageSize:    10,
		Destination: filepath.Join(t.TempDir(), "clash.gpkg"),
		Layer:       "lod12",
	})
	if err == nil || !strings.Contains(err.Error(), "collision free") {
		t.Fatalf("StreamToFile error = %v, want fid collision", err)
	}
}
