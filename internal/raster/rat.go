package raster

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
)

// Raster attribute tables are emitted as a GDAL PAM sidecar
// (<image>.aux.xml), which every GDAL-based reader picks up next to
// the image without needing driver support for embedded tables.

// RAT field types and usages, matching the GDAL enumerations.
const (
	FieldInteger = 0
	FieldReal    = 1
	FieldString  = 2

	UsageGeneric    = 0
	UsagePixelCount = 1
	UsageName       = 2
	UsageMin        = 3
	UsageMax        = 4
	UsageMinMax     = 5
	UsageRed        = 6
	UsageGreen      = 7
	UsageBlue       = 8
	UsageAlpha      = 9
)

type RATField struct {
	Name  string
	Type  int
	Usage int
}

// RAT is one band's attribute table: a schema plus row values in field
// order, all carried as strings the way PAM serializes them.
type RAT struct {
	Fields []RATField
	Rows   [][]string
}

// NewRAT builds a table from a schema, rejecting duplicate field names.
func NewRAT(fields ...RATField) (*RAT, error) {
	seen := map[string]bool{}
	for _, f := range fields {
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate rat field %q", f.Name)
		}
		seen[f.Name] = true
	}
	return &RAT{Fields: fields}, nil
}

// AddRow appends one row; the value count must match the schema.
func (r *RAT) AddRow(values ...string) error {
	if len(values) != len(r.Fields) {
		return fmt.Errorf("rat row has %d values, schema has %d fields", len(values), len(r.Fields))
	}
	r.Rows = append(r.Rows, values)
	return nil
}

type pamFieldDefn struct {
	Index int    `xml:"index,attr"`
	Name  string `xml:"Name"`
	Type  int    `xml:"Type"`
	Usage int    `xml:"Usage"`
}

type pamRow struct {
	Index  int      `xml:"index,attr"`
	Values []string `xml:"F"`
}

type pamRAT struct {
	XMLName   xml.Name       `xml:"GDALRasterAttributeTable"`
	TableType string         `xml:"tableType,attr"`
	Fields    []pamFieldDefn `xml:"FieldDefn"`
	Rows      []pamRow       `xml:"Row"`
}

type pamBand struct {
	XMLName xml.Name `xml:"PAMRasterBand"`
	Band    int      `xml:"band,attr"`
	RAT     pamRAT
}

type pamDataset struct {
	XMLName xml.Name `xml:"PAMDataset"`
	Bands   []pamBand
}

// WritePAM writes the attribute tables for the image's bands to the
// .aux.xml sidecar. rats are applied to bands 1..n in order; nil
// entries skip a band.
func WritePAM(imagePath string, rats []*RAT) error {
	doc := pamDataset{}
	for i, rat := range rats {
		if rat == nil {
			continue
		}
		band := pamBand{Band: i + 1, RAT: pamRAT{TableType: "thematic"}}
		for j, f := range rat.Fields {
			band.RAT.Fields = append(band.RAT.Fields, pamFieldDefn{
				Index: j, Name: f.Name, Type: f.Type, Usage: f.Usage,
			})
		}
		for j, row := range rat.Rows {
			band.RAT.Rows = append(band.RAT.Rows, pamRow{Index: j, Values: row})
		}
		doc.Bands = append(doc.Bands, band)
	}
	if len(doc.Bands) == 0 {
		return nil
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rat sidecar: %w", err)
	}
	sidecar := imagePath + ".aux.xml"
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", sidecar, err)
	}
	return nil
}

// ClassRAT builds the label semantics table the training masks ship
// with: value, class name and pixel color per class code.
func ClassRAT(classes map[int]string, colors ColorMap) *RAT {
	rat := &RAT{Fields: []RATField{
		{Name: "VALUE", Type: FieldInteger, Usage: UsageMinMax},
		{Name: "CLASS", Type: FieldString, Usage: UsageName},
		{Name: "RED", Type: FieldInteger, Usage: UsageRed},
		{Name: "GREEN", Type: FieldInteger, Usage: UsageGreen},
		{Name: "BLUE", Type: FieldInteger, Usage: UsageBlue},
	}}
	for _, code := range sortedKeys(classes) {
		c := colors[code]
		_ = rat.AddRow(
			fmt.Sprintf("%d", code),
			classes[code],
			fmt.Sprintf("%d", c[0]),
			fmt.Sprintf("%d", c[1]),
			fmt.Sprintf("%d", c[2]),
		)
	}
	return rat
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
