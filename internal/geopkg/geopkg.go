// Package geopkg reads and writes GeoPackage vector datasets. A
// GeoPackage is a SQLite database, so everything here runs on
// database/sql with the pure-Go sqlite driver; geometries travel as
// GeoPackage binary blobs (see blob.go).
package geopkg

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"
)

const (
	// SQLite application_id "GPKG" and the GeoPackage 1.3 user version.
	applicationID = 0x47504B47
	userVersion   = 10300
)

const wkt28992 = `PROJCS["Amersfoort / RD New",GEOGCS["Amersfoort",DATUM["Amersfoort",SPHEROID["Bessel 1841",6377397.155,299.1528128]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Oblique_Stereographic"],PARAMETER["latitude_of_origin",52.1561605555556],PARAMETER["central_meridian",5.38763888888889],PARAMETER["scale_factor",0.9999079],PARAMETER["false_easting",155000],PARAMETER["false_northing",463000],UNIT["metre",1],AUTHORITY["EPSG","28992"]]`

const wkt4326 = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`

type Field struct {
	Name string
	Type string // SQLite column type
}

type Row struct {
	FID    int64
	Geom   []byte // GeoPackage blob, nil for geometry-less rows
	Values map[string]any
}

// Table is an in-memory snapshot of one feature layer.
type Table struct {
	Layer      string
	GeomColumn string
	SRSID      int32
	Fields     []Field
	Rows       []Row
}

// Field reports whether the table carries an attribute with this name.
func (t *Table) Field(name string) bool {
	for _, f := range t.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

type Dataset struct {
	db   *sql.DB
	path string
}

// Open opens an existing GeoPackage file.
func Open(path string) (*Dataset, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Dataset{db: db, path: path}, nil
}

// Create makes a new GeoPackage with the mandatory metadata tables and
// the spatial reference systems the pipeline works in.
func Create(path string) (*Dataset, error) {
	d, err := Open(path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		fmt.Sprintf("PRAGMA application_id = %d", applicationID),
		fmt.Sprintf("PRAGMA user_version = %d", userVersion),
		`CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL PRIMARY KEY,
			organization TEXT NOT NULL,
			organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_contents (
			table_name TEXT NOT NULL PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT UNIQUE,
			description TEXT DEFAULT '',
			last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
			srs_id INTEGER,
			CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL,
			z TINYINT NOT NULL,
			m TINYINT NOT NULL,
			CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name)
		)`,
		`INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES
			('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
			('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system')`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("init geopackage: %w", err)
		}
	}
	for _, srs := range []struct {
		id   int
		name string
		wkt  string
	}{
		{4326, "WGS 84", wkt4326},
		{28992, "Amersfoort / RD New", wkt28992},
	} {
		if err := d.EnsureSRS(srs.id, srs.name, srs.wkt); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Dataset) Path() string { return d.path }

func (d *Dataset) Close() error { return d.db.Close() }

// EnsureSRS registers a spatial reference system if it is not present.
func (d *Dataset) EnsureSRS(srsID int, name, definition string) error {
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO gpkg_spatial_ref_sys
		 (srs_name, srs_id, organization, organization_coordsys_id, definition) VALUES (?, ?, 'EPSG', ?, ?)`,
		name, srsID, srsID, definition,
	)
	if err != nil {
		return fmt.Errorf("ensure srs %d: %w", srsID, err)
	}
	return nil
}

// Layers lists the feature tables registered in gpkg_contents.
func (d *Dataset) Layers() ([]string, error) {
	rows, err := d.db.Query(`SELECT table_name FROM gpkg_contents WHERE data_type = 'features' ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GeometryInfo returns the geometry column and SRS of a layer.
func (d *Dataset) GeometryInfo(layer string) (column string, srsID int32, err error) {
	err = d.db.QueryRow(
		`SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE table_name = ?`, layer,
	).Scan(&column, &srsID)
	if err != nil {
		return "", 0, fmt.Errorf("geometry info for %q: %w", layer, err)
	}
	return column, srsID, nil
}

// CreateLayer registers a feature table with an integer primary key
// named fid, a geometry column and the given attribute fields.
func (d *Dataset) CreateLayer(layer, geomColumn string, srsID int32, geomType string, fields []Field) error {
	cols := []string{`"fid" INTEGER PRIMARY KEY AUTOINCREMENT`, quoteIdent(geomColumn) + " BLOB"}
	for _, f := range fields {
		typ := f.Type
		if typ == "" {
			typ = "TEXT"
		}
		cols = append(cols, quoteIdent(f.Name)+" "+typ)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(layer), strings.Join(cols, ", "))
	if _, err := d.db.Exec(ddl); err != nil {
		return fmt.Errorf("create layer %q: %w", layer, err)
	}
	if _, err := d.db.Exec(
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, srs_id) VALUES (?, 'features', ?, ?)`,
		layer, layer, srsID,
	); err != nil {
		return fmt.Errorf("register layer %q: %w", layer, err)
	}
	if _, err := d.db.Exec(
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, ?, ?, ?, 0, 0)`,
		layer, geomColumn, geomType, srsID,
	); err != nil {
		return fmt.Errorf("register geometry column for %q: %w", layer, err)
	}
	return nil
}

// ReadTable loads a full layer into memory.
func (d *Dataset) ReadTable(layer string) (*Table, error) {
	geomCol, srsID, err := d.GeometryInfo(layer)
	if err != nil {
		return nil, err
	}
	fields, err := d.attributeFields(layer, geomCol)
	if err != nil {
		return nil, err
	}

	sel := []string{`"fid"`, quoteIdent(geomCol)}
	for _, f := range fields {
		sel = append(sel, quoteIdent(f.Name))
	}
	rows, err := d.db.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY \"fid\"", strings.Join(sel, ", "), quoteIdent(layer)))
	if err != nil {
		return nil, fmt.Errorf("read layer %q: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	t := &Table{Layer: layer, GeomColumn: geomCol, SRSID: srsID, Fields: fields}
	for rows.Next() {
		scan := make([]any, 2+len(fields))
		var fid int64
		var geom []byte
		scan[0] = &fid
		scan[1] = &geom
		vals := make([]any, len(fields))
		for i := range fields {
			scan[2+i] = &vals[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		r := Row{FID: fid, Geom: geom, Values: make(map[string]any, len(fields))}
		for i, f := range fields {
			r.Values[f.Name] = vals[i]
		}
		t.Rows = append(t.Rows, r)
	}
	return t, rows.Err()
}

// ReadTableBBox loads the subset of a layer whose geometry envelope
// intersects bound. The stored blob envelope is used when present so
// most rows are rejected without a coordinate decode.
func (d *Dataset) ReadTableBBox(layer string, bound orb.Bound) (*Table, error) {
	t, err := d.ReadTable(layer)
	if err != nil {
		return nil, err
	}
	kept := t.Rows[:0]
	for _, r := range t.Rows {
		if len(r.Geom) == 0 {
			continue
		}
		env, ok, err := Envelope(r.Geom)
		if err != nil {
			return nil, fmt.Errorf("layer %q fid %d: %w", layer, r.FID, err)
		}
		if ok && env.Intersects(bound) {
			kept = append(kept, r)
		}
	}
	t.Rows = kept
	return t, nil
}

// ReplaceRows rewrites a layer's rows in the given order, reassigning
// fids sequentially from 1, and refreshes the content bounds.
func (d *Dataset) ReplaceRows(layer string, t *Table) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM " + quoteIdent(layer)); err != nil {
		return fmt.Errorf("clear layer %q: %w", layer, err)
	}
	if err := insertRows(tx, layer, t, 1); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return d.updateBounds(layer, t)
}

// AppendRows appends rows keeping their explicit FIDs (used by the
// feature streamer's continuous page reindexing).
func (d *Dataset) AppendRows(layer string, t *Table) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertRows(tx, layer, t, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return d.updateBounds(layer, t)
}

func insertRows(tx *sql.Tx, layer string, t *Table, renumberFrom int64) error {
	cols := []string{`"fid"`, quoteIdent(t.GeomColumn)}
	for _, f := range t.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)", quoteIdent(layer), strings.Join(cols, ", "), marks,
	))
	if err != nil {
		return fmt.Errorf("prepare insert for %q: %w", layer, err)
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range t.Rows {
		fid := r.FID
		if renumberFrom > 0 {
			fid = renumberFrom + int64(i)
		}
		args := make([]any, 0, len(cols))
		args = append(args, fid, r.Geom)
		for _, f := range t.Fields {
			args = append(args, r.Values[f.Name])
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("insert into %q: %w", layer, err)
		}
	}
	return nil
}

func (d *Dataset) updateBounds(layer string, t *Table) error {
	var bd orb.Bound
	first := true
	for _, r := range t.Rows {
		if len(r.Geom) == 0 {
			continue
		}
		env, ok, err := Envelope(r.Geom)
		if err != nil || !ok {
			continue
		}
		if first {
			bd = env
			first = false
		} else {
			bd = bd.Union(env)
		}
	}
	if first {
		return nil // nothing with an extent
	}
	_, err := d.db.Exec(
		`UPDATE gpkg_contents SET min_x = min(coalesce(min_x, ?), ?), min_y = min(coalesce(min_y, ?), ?),
		 max_x = max(coalesce(max_x, ?), ?), max_y = max(coalesce(max_y, ?), ?) WHERE table_name = ?`,
		bd.Min[0], bd.Min[0], bd.Min[1], bd.Min[1], bd.Max[0], bd.Max[0], bd.Max[1], bd.Max[1], layer,
	)
	return err
}

// AddColumn adds an attribute column to a feature table.
func (d *Dataset) AddColumn(layer, name, sqlType string) error {
	_, err := d.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(layer), quoteIdent(name), sqlType))
	if err != nil {
		return fmt.Errorf("add column %q to %q: %w", name, layer, err)
	}
	return nil
}

// Exec runs a statement directly against the underlying database. The
// harmonizer uses this for alteration rules and exclusion filters.
func (d *Dataset) Exec(stmt string, args ...any) error {
	if _, err := d.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("exec against %s: %w", d.path, err)
	}
	return nil
}

func (d *Dataset) attributeFields(layer, geomCol string) ([]Field, error) {
	rows, err := d.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(layer)))
	if err != nil {
		return nil, fmt.Errorf("table info for %q: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	type colInfo struct {
		cid  int
		name string
		typ  string
	}
	var cols []colInfo
	for rows.Next() {
		var (
			ci         colInfo
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&ci.cid, &ci.name, &ci.typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(cols, func(i, j int) bool { return cols[i].cid < cols[j].cid })
	var out []Field
	for _, c := range cols {
		if c.name == "fid" || c.name == geomCol {
			continue
		}
		out = append(out, Field{Name: c.name, Type: c.typ})
	}
	return out, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
