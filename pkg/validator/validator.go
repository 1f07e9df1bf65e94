// Package validator turns raw spreadsheet rows into typed records for a
// target table, or rejects them with every reason found.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

// Options configures header binding and domain rules.
type Options struct {
	// Latitude and Longitude name the headers a point is built from when the
	// sheet has no geometry column.
	Latitude  string
	Longitude string
	// Columns maps header names to column names where they differ.
	Columns map[string]string
	// Geometry names the header bound to the geometry role column when no
	// header matches that column directly.
	Geometry string
	// Defaults holds a literal per column name used for blank cells. A
	// column the sheet lacks reads as if every cell held its default.
	Defaults map[string]string
	// Properties maps keys of the properties role column to the headers
	// whose values are merged into it.
	Properties map[string]string
	// Envelope bounds every coordinate. Nil uses WorldBound for SRID 4326
	// and skips the check for projected systems.
	Envelope *orb.Bound
	// TrueWords and FalseWords extend the accepted boolean spellings.
	TrueWords  []string
	FalseWords []string
}

// RowValidator validates rows against catalog entity types. It performs no
// I/O and may be shared.
type RowValidator struct {
	opts       Options
	trueWords  map[string]struct{}
	falseWords map[string]struct{}
}

// New builds a validator, filling option defaults.
func New(opts Options) *RowValidator {
	if opts.Latitude == "" {
		opts.Latitude = "lat"
	}
	if opts.Longitude == "" {
		opts.Longitude = "lon"
	}
	if opts.Geometry == "" {
		opts.Geometry = "geometry"
	}
	v := &RowValidator{opts: opts, trueWords: map[string]struct{}{}, falseWords: map[string]struct{}{}}
	for _, w := range append(append([]string{}, defaultTrueWords...), opts.TrueWords...) {
		v.trueWords[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range append(append([]string{}, defaultFalseWords...), opts.FalseWords...) {
		v.falseWords[strings.ToLower(w)] = struct{}{}
	}
	return v
}

// Binding ties the columns of one sheet header to an entity type.
type Binding struct {
	v      *RowValidator
	et     *schema.EntityType
	header *domain.Header
	// columns holds, per header position, the bound column name or "".
	columns []string
	// positions maps a column name to its header position.
	positions map[string]int
	// labels names every position. Positions past the header belong to
	// columns read only from defaults.
	labels     []string
	fill       map[int]domain.Cell
	properties []property
	latitude   int
	longitude  int
	// toColumn projects longitude/latitude into the column SRID; nil when
	// the column stores degrees.
	toColumn orb.Projection
	degrees  orb.Bound
	envelope *orb.Bound
	// Unmapped lists headers that match no column and are ignored.
	Unmapped []string
}

// property is one key of the properties column and the position it is
// read from.
type property struct {
	key   string
	index int
}

// Bind resolves header names to columns. It fails when two headers target
// the same column or only one of the coordinate headers is present.
func (v *RowValidator) Bind(header *domain.Header, et *schema.EntityType) (*Binding, error) {
	b := &Binding{
		v:         v,
		et:        et,
		header:    header,
		columns:   make([]string, header.Len()),
		positions: make(map[string]int),
		labels:    append([]string(nil), header.Names...),
		fill:      make(map[int]domain.Cell),
		latitude:  -1,
		longitude: -1,
		envelope:  v.opts.Envelope,
	}
	if b.envelope == nil && et.SRID() == 4326 {
		world := WorldBound
		b.envelope = &world
	}

	overrides := make(map[string]string, len(v.opts.Columns))
	for h, column := range v.opts.Columns {
		overrides[domain.FoldHeader(h)] = column
	}

	for i, name := range header.Names {
		target := overrides[domain.FoldHeader(name)]
		if target == "" {
			target = normalizeHeader(name)
		}
		column, ok := et.Column(target)
		if !ok {
			b.Unmapped = append(b.Unmapped, name)
			continue
		}
		if prev, dup := b.positions[column.Name]; dup {
			return nil, fmt.Errorf("headers %q and %q both map to column %s", header.Names[prev], name, column.Name)
		}
		b.columns[i] = column.Name
		b.positions[column.Name] = i
	}

	if _, bound := b.positions[et.Roles.Geometry]; et.Roles.Geometry != "" && !bound {
		if i, ok := header.Index(v.opts.Geometry); ok && b.columns[i] == "" {
			b.columns[i] = et.Roles.Geometry
			b.positions[et.Roles.Geometry] = i
			b.Unmapped = removeName(b.Unmapped, header.Names[i])
		}
	}

	if _, hasGeometryHeader := b.positions[et.Roles.Geometry]; et.Roles.Geometry != "" && !hasGeometryHeader {
		lat, hasLat := header.Index(v.opts.Latitude)
		lon, hasLon := header.Index(v.opts.Longitude)
		switch {
		case hasLat && hasLon:
			projection, degrees, err := coordinateProjection(et.SRID())
			if err != nil {
				return nil, fmt.Errorf("coordinate headers %q and %q: %w", header.Names[lat], header.Names[lon], err)
			}
			b.toColumn, b.degrees = projection, degrees
			b.latitude, b.longitude = lat, lon
			b.Unmapped = removeName(b.Unmapped, header.Names[lat], header.Names[lon])
		case hasLat != hasLon:
			return nil, fmt.Errorf("coordinate headers %q and %q must appear together", v.opts.Latitude, v.opts.Longitude)
		}
	}

	if err := b.bindDefaults(v.opts.Defaults); err != nil {
		return nil, err
	}
	if err := b.bindProperties(v.opts.Properties); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binding) bindDefaults(defaults map[string]string) error {
	for _, name := range sortedKeys(defaults) {
		column, ok := b.et.Column(name)
		if !ok {
			return fmt.Errorf("default value for unknown column %s", name)
		}
		i, bound := b.positions[column.Name]
		if !bound {
			if column.Name == b.et.Roles.Geometry && b.latitude >= 0 {
				continue
			}
			i = len(b.columns)
			b.columns = append(b.columns, column.Name)
			b.labels = append(b.labels, column.Name)
			b.positions[column.Name] = i
		}
		b.fill[i] = domain.ClassifyCell(defaults[name])
	}
	return nil
}

func (b *Binding) bindProperties(mapping map[string]string) error {
	if len(mapping) == 0 {
		return nil
	}
	column := b.et.Roles.Properties
	if column == "" {
		return fmt.Errorf("property mapping requires a properties role column")
	}
	if i, bound := b.positions[column]; bound {
		return fmt.Errorf("column %s is filled from header %q and from the property mapping", column, b.labels[i])
	}
	for _, key := range sortedKeys(mapping) {
		// Headers the sheet lacks contribute nothing.
		i, ok := b.header.Index(mapping[key])
		if !ok {
			continue
		}
		b.properties = append(b.properties, property{key: key, index: i})
		b.Unmapped = removeName(b.Unmapped, b.labels[i])
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeHeader maps a header label onto the column naming convention.
func normalizeHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", ".", "_", "-", "_", ":", "_")
	return strings.Trim(replacer.Replace(name), "_")
}

func removeName(names []string, drop ...string) []string {
	out := names[:0]
	for _, n := range names {
		keep := true
		for _, d := range drop {
			if n == d {
				keep = false
			}
		}
		if keep {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks one row against the entity type. A row that binds only for
// this call is bound afresh; use Bind once per sheet for streams.
func (v *RowValidator) Validate(row domain.RawRow, et *schema.EntityType) (domain.ValidatedRecord, *domain.RejectedRow) {
	b, err := v.Bind(row.Header, et)
	if err != nil {
		return domain.ValidatedRecord{}, &domain.RejectedRow{Row: row, Violations: []domain.Violation{{Kind: domain.ViolationShape, Message: err.Error()}}}
	}
	return b.Validate(row)
}

// Validate runs required, coercion and domain checks in that order and
// returns either the typed record or every violation found.
func (b *Binding) Validate(row domain.RawRow) (domain.ValidatedRecord, *domain.RejectedRow) {
	var violations []domain.Violation
	add := func(column string, kind domain.ViolationKind, format string, args ...any) {
		violations = append(violations, domain.Violation{Column: column, Kind: kind, Message: fmt.Sprintf(format, args...)})
	}

	if row.ShapeErr != nil {
		add("", domain.ViolationShape, "%v", row.ShapeErr)
	}

	cell := func(i int) domain.Cell {
		c := domain.BlankCell()
		if i >= 0 && i < len(row.Cells) {
			c = row.Cells[i]
		}
		if fill, ok := b.fill[i]; ok && c.IsBlank() {
			return fill
		}
		return c
	}

	// Required presence.
	missing := make(map[string]bool)
	for _, column := range b.et.RequiredColumns() {
		if column.Name == b.et.Roles.Geometry && b.latitude >= 0 {
			if cell(b.latitude).IsBlank() || cell(b.longitude).IsBlank() {
				add(column.Name, domain.ViolationRequired, "requires both %s and %s", b.labels[b.latitude], b.labels[b.longitude])
				missing[column.Name] = true
			}
			continue
		}
		i, present := b.positions[column.Name]
		switch {
		case !present:
			add(column.Name, domain.ViolationRequired, "column is not present in the sheet")
			missing[column.Name] = true
		case cell(i).IsBlank():
			add(column.Name, domain.ViolationRequired, "value is required")
			missing[column.Name] = true
		}
	}

	// Type coercion.
	fields := make(map[string]any)
	var order []string
	literals := make(map[string]string)
	for i, name := range b.columns {
		if name == "" || cell(i).IsBlank() || missing[name] {
			continue
		}
		column, _ := b.et.Column(name)
		literals[name] = strings.TrimSpace(cell(i).Literal)
		order = append(order, name)
		if column.Allowed != nil && cell(i).Kind != domain.CellMalformed {
			// Checked against the lookup in the domain pass.
			continue
		}
		value, err := b.v.coerceValue(column, cell(i))
		if err != nil {
			add(b.labels[i], domain.ViolationType, "%v", err)
			continue
		}
		fields[name] = value
	}

	if props, ok := b.collectProperties(cell, add); ok {
		fields[b.et.Roles.Properties] = props
		order = append(order, b.et.Roles.Properties)
	}

	var (
		geometry    orb.Geometry
		geometryCol = b.et.Roles.Geometry
		locationRef = geometryCol
	)
	if b.latitude >= 0 && !missing[geometryCol] {
		latCell, lonCell := cell(b.latitude), cell(b.longitude)
		if !latCell.IsBlank() || !lonCell.IsBlank() {
			lat, latErr := coordinate(latCell)
			lon, lonErr := coordinate(lonCell)
			if latErr != nil {
				add(b.labels[b.latitude], domain.ViolationType, "%v", latErr)
			}
			if lonErr != nil {
				add(b.labels[b.longitude], domain.ViolationType, "%v", lonErr)
			}
			if latErr == nil && lonErr == nil {
				locationRef = b.labels[b.latitude] + "/" + b.labels[b.longitude]
				point := orb.Point{lon, lat}
				switch {
				case latCell.IsBlank() || lonCell.IsBlank():
					add(geometryCol, domain.ViolationRequired, "requires both %s and %s", b.labels[b.latitude], b.labels[b.longitude])
				case b.toColumn != nil && !b.degrees.Contains(point):
					add(locationRef, domain.ViolationDomain, "coordinate (%g %g) cannot be projected to SRID %d", lon, lat, b.et.SRID())
				default:
					if b.toColumn != nil {
						point = b.toColumn(point)
					}
					geometry = point
					fields[geometryCol] = geometry
					order = append(order, geometryCol)
				}
			}
		}
	} else if g, ok := fields[geometryCol].(orb.Geometry); ok {
		geometry = g
	}

	// Domain rules.
	if geometry != nil {
		for _, problem := range geometryProblems(geometry, b.envelope) {
			add(locationRef, domain.ViolationDomain, "%s", problem)
		}
	}
	for _, name := range order {
		column, ok := b.et.Column(name)
		if !ok || column.Allowed == nil {
			continue
		}
		literal := literals[name]
		headerName := b.labels[b.positions[name]]
		stored, known := column.Allowed[schema.FoldLabel(literal)]
		if !known {
			add(headerName, domain.ViolationDomain, "unknown value %q%s", literal, allowedHint(column.Allowed))
			continue
		}
		value, err := b.v.coerceValue(column, domain.ClassifyCell(stored))
		if err != nil {
			add(headerName, domain.ViolationType, "lookup value %q: %v", stored, err)
			continue
		}
		fields[name] = value
	}

	if len(violations) > 0 {
		return domain.ValidatedRecord{}, &domain.RejectedRow{Row: row, Violations: violations}
	}

	record := domain.ValidatedRecord{
		RowIndex: row.Index,
		Fields:   fields,
		Columns:  order,
		Geometry: geometry,
	}
	roles := b.et.Roles
	if roles.Code != "" {
		record.Code = stringValue(fields[roles.Code])
	}
	if roles.Name != "" {
		record.Name = stringValue(fields[roles.Name])
	}
	if roles.Category != "" {
		record.Category = literals[roles.Category]
	}
	if geometry != nil {
		record.Center = representativePoint(geometry)
		record.HasLocation = true
	}
	return record, nil
}

// collectProperties builds the JSON object for the properties column from
// the non-blank mapped cells. It reports false when there is nothing to store.
func (b *Binding) collectProperties(cell func(int) domain.Cell, add func(string, domain.ViolationKind, string, ...any)) (json.RawMessage, bool) {
	if len(b.properties) == 0 {
		return nil, false
	}
	props := make(map[string]any, len(b.properties))
	for _, p := range b.properties {
		c := cell(p.index)
		switch c.Kind {
		case domain.CellBlank:
		case domain.CellMalformed:
			add(b.labels[p.index], domain.ViolationType, "%v %s", errMalformed, c.Literal)
		case domain.CellNumber:
			props[p.key] = c.Number
		default:
			props[p.key] = strings.TrimSpace(c.Literal)
		}
	}
	if len(props) == 0 {
		return nil, false
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		add(b.et.Roles.Properties, domain.ViolationType, "%v", err)
		return nil, false
	}
	return encoded, true
}

func coordinate(c domain.Cell) (float64, error) {
	switch c.Kind {
	case domain.CellBlank:
		return 0, nil
	case domain.CellNumber:
		return c.Number, nil
	case domain.CellMalformed:
		return 0, fmt.Errorf("%w %s", errMalformed, c.Literal)
	default:
		f, err := parseLocaleFloat(c.Literal)
		if err != nil {
			return 0, fmt.Errorf("unable to coerce %q to a coordinate", c.Literal)
		}
		return f, nil
	}
}

func stringValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case int64:
		return strconv.FormatInt(value, 10)
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

// allowedHint lists a few accepted labels for small lookups.
func allowedHint(allowed map[string]string) string {
	if len(allowed) == 0 || len(allowed) > 10 {
		return ""
	}
	labels := make([]string, 0, len(allowed))
	for label := range allowed {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return " (expected one of: " + strings.Join(labels, ", ") + ")"
}
