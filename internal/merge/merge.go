// Package merge combines the normalized sources into the entity table and the
// dimension tables derived from it.
package merge

import (
	"fmt"
	"sort"
	"time"

	"espacios/internal/dataset"
	"espacios/internal/normalize"
)

// Destination table names, in load order.
const (
	TableProvincias         = "provincias"
	TableLocalidades        = "localidades"
	TableCategorias         = "categorias"
	TableFuentes            = "fuentes"
	TableEspaciosCulturales = "espacios_culturales"
)

// Columns added by the merge.
const (
	ColIDEspacioCultural = "id_espacio_cultural"
	ColIDCategoria       = "id_categoria"
	ColIDFuente          = "id_fuente"
	ColFechaCarga        = "fecha_carga"
)

// Policy selects the text kept for a dimension id seen with several spellings.
type Policy string

const (
	// PolicyMax keeps the lexicographically greatest non-null text.
	PolicyMax Policy = "max"
	// PolicyFirst keeps the first non-null text in load order.
	PolicyFirst Policy = "first"
)

// ParsePolicy accepts "" as PolicyMax.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyMax:
		return PolicyMax, nil
	case PolicyFirst:
		return PolicyFirst, nil
	}
	return "", fmt.Errorf("merge: unknown representative policy %q", s)
}

// Options configures a merge.
type Options struct {
	// LoadedAt is stamped into fecha_carga on every row of every table.
	LoadedAt time.Time

	// Representative picks provincia/localidad text per id. Zero means PolicyMax.
	Representative Policy
}

// LookupConsistencyError means a value vanished between building a lookup
// and substituting it. It indicates a bug, not bad input.
type LookupConsistencyError struct {
	Dimension string
	Value     any
}

func (e *LookupConsistencyError) Error() string {
	return fmt.Sprintf("merge: %s lookup has no entry for %v", e.Dimension, e.Value)
}

// EntityColumns is the column order of espacios_culturales.
var EntityColumns = []dataset.Column{
	{Name: ColIDEspacioCultural, Type: dataset.Integer},
	{Name: normalize.ColIDLocalidad, Type: dataset.Integer},
	{Name: normalize.ColIDProvincia, Type: dataset.Integer},
	{Name: normalize.ColIDDepartamento, Type: dataset.Integer},
	{Name: normalize.ColNombre, Type: dataset.Text, Nullable: true},
	{Name: normalize.ColDomicilio, Type: dataset.Text, Nullable: true},
	{Name: normalize.ColCP, Type: dataset.Text, Nullable: true},
	{Name: normalize.ColTelefono, Type: dataset.Text, Nullable: true},
	{Name: normalize.ColMail, Type: dataset.Text, Nullable: true},
	{Name: normalize.ColWeb, Type: dataset.Text, Nullable: true},
	{Name: normalize.ColPantallas, Type: dataset.NullableInteger, Nullable: true},
	{Name: normalize.ColButacas, Type: dataset.NullableInteger, Nullable: true},
	{Name: normalize.ColEspacioINCAA, Type: dataset.Boolean},
	{Name: ColIDCategoria, Type: dataset.Integer},
	{Name: ColIDFuente, Type: dataset.Integer},
	{Name: ColFechaCarga, Type: dataset.Timestamp},
}

// Merge concatenates the normalized parts (museums, cinemas, libraries, in
// that order) and splits out the dimension tables.
//
// Surrogate ids are 0-based: id_espacio_cultural follows concatenation order,
// id_categoria and id_fuente follow first appearance. Provinces and
// localities keep their source ids and come out sorted by id.
func Merge(parts []*dataset.Dataset, opt Options) (dataset.TableSet, error) {
	policy := opt.Representative
	if policy == "" {
		policy = PolicyMax
	}
	if policy != PolicyMax && policy != PolicyFirst {
		return nil, fmt.Errorf("merge: unknown representative policy %q", policy)
	}
	loadedAt := opt.LoadedAt
	if loadedAt.IsZero() {
		loadedAt = time.Now()
	}

	rows, err := concat(parts)
	if err != nil {
		return nil, err
	}

	categorias := newCodebook()
	fuentes := newCodebook()
	provincias := newGrouping(policy)
	localidades := newGrouping(policy)
	for _, r := range rows {
		categorias.add(r.categoria)
		fuentes.add(r.fuente)
		provincias.add(r.idProvincia, r.provincia)
		localidades.add(r.idLocalidad, r.localidad)
	}

	entity := dataset.MustNew(EntityColumns...)
	for i, r := range rows {
		catID, ok := categorias.lookup(r.categoria)
		if !ok {
			return nil, &LookupConsistencyError{Dimension: TableCategorias, Value: r.categoria}
		}
		srcID, ok := fuentes.lookup(r.fuente)
		if !ok {
			return nil, &LookupConsistencyError{Dimension: TableFuentes, Value: r.fuente}
		}
		err := entity.Append(
			int64(i), r.idLocalidad, r.idProvincia, r.idDepartamento,
			r.nombre, r.domicilio, r.cp, r.telefono, r.mail, r.web,
			r.pantallas, r.butacas, r.espacioINCAA,
			catID, srcID, loadedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
	}

	provTable, err := provincias.table(normalize.ColIDProvincia, normalize.ColProvincia, loadedAt)
	if err != nil {
		return nil, err
	}
	locTable, err := localidades.table(normalize.ColIDLocalidad, normalize.ColLocalidad, loadedAt)
	if err != nil {
		return nil, err
	}
	catTable, err := categorias.table(ColIDCategoria, normalize.ColCategoria, loadedAt)
	if err != nil {
		return nil, err
	}
	srcTable, err := fuentes.table(ColIDFuente, normalize.ColFuente, loadedAt)
	if err != nil {
		return nil, err
	}

	return dataset.TableSet{
		{Name: TableProvincias, Data: provTable},
		{Name: TableLocalidades, Data: locTable},
		{Name: TableCategorias, Data: catTable},
		{Name: TableFuentes, Data: srcTable},
		{Name: TableEspaciosCulturales, Data: entity},
	}, nil
}

// record is one concatenated row with the cinema extras filled in.
type record struct {
	idLocalidad, idProvincia, idDepartamento any
	categoria, provincia, localidad          any
	nombre, domicilio, cp                    any
	telefono, mail, web, fuente              any
	pantallas, butacas                       any
	espacioINCAA                             any
}

func concat(parts []*dataset.Dataset) ([]record, error) {
	total := 0
	for i, p := range parts {
		if p == nil {
			return nil, fmt.Errorf("merge: part %d is nil", i)
		}
		for _, c := range normalize.CanonicalColumns {
			if p.Index(c) < 0 {
				return nil, fmt.Errorf("merge: part %d lacks column %q", i, c)
			}
		}
		total += p.Len()
	}

	out := make([]record, 0, total)
	for _, p := range parts {
		get := func(row dataset.Row, col string) any {
			if j := p.Index(col); j >= 0 {
				return row[j]
			}
			return nil
		}
		for _, row := range p.Rows() {
			incaa := get(row, normalize.ColEspacioINCAA)
			if incaa == nil {
				incaa = false
			}
			out = append(out, record{
				idLocalidad:    get(row, normalize.ColIDLocalidad),
				idProvincia:    get(row, normalize.ColIDProvincia),
				idDepartamento: get(row, normalize.ColIDDepartamento),
				categoria:      get(row, normalize.ColCategoria),
				provincia:      get(row, normalize.ColProvincia),
				localidad:      get(row, normalize.ColLocalidad),
				nombre:         get(row, normalize.ColNombre),
				domicilio:      get(row, normalize.ColDomicilio),
				cp:             get(row, normalize.ColCP),
				telefono:       get(row, normalize.ColTelefono),
				mail:           get(row, normalize.ColMail),
				web:            get(row, normalize.ColWeb),
				fuente:         get(row, normalize.ColFuente),
				pantallas:      get(row, normalize.ColPantallas),
				butacas:        get(row, normalize.ColButacas),
				espacioINCAA:   incaa,
			})
		}
	}
	return out, nil
}

// textKey distinguishes null from the empty string.
type textKey struct {
	valid bool
	s     string
}

func keyOf(v any) textKey {
	s, ok := v.(string)
	return textKey{valid: ok, s: s}
}

// codebook assigns 0-based ids to distinct values in first-seen order.
type codebook struct {
	ids    map[textKey]int64
	values []any
}

func newCodebook() *codebook {
	return &codebook{ids: make(map[textKey]int64)}
}

func (c *codebook) add(v any) {
	k := keyOf(v)
	if _, ok := c.ids[k]; ok {
		return
	}
	c.ids[k] = int64(len(c.values))
	c.values = append(c.values, v)
}

func (c *codebook) lookup(v any) (int64, bool) {
	id, ok := c.ids[keyOf(v)]
	return id, ok
}

func (c *codebook) table(idCol, valueCol string, loadedAt time.Time) (*dataset.Dataset, error) {
	d := dimensionDataset(idCol, valueCol)
	for id, v := range c.values {
		if err := d.Append(int64(id), v, loadedAt); err != nil {
			return nil, fmt.Errorf("merge: %s: %w", valueCol, err)
		}
	}
	return d, nil
}

// grouping reduces the text seen for each id to one representative.
type grouping struct {
	policy Policy
	text   map[int64]any
}

func newGrouping(p Policy) *grouping {
	return &grouping{policy: p, text: make(map[int64]any)}
}

func (g *grouping) add(id, v any) {
	key, _ := id.(int64)
	cur, seen := g.text[key]
	if !seen {
		g.text[key] = v
		return
	}
	s, ok := v.(string)
	if !ok {
		return
	}
	c, ok := cur.(string)
	switch {
	case !ok:
		g.text[key] = s
	case g.policy == PolicyMax && s > c:
		g.text[key] = s
	}
}

func (g *grouping) table(idCol, valueCol string, loadedAt time.Time) (*dataset.Dataset, error) {
	ids := make([]int64, 0, len(g.text))
	for id := range g.text {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	d := dimensionDataset(idCol, valueCol)
	for _, id := range ids {
		if err := d.Append(id, g.text[id], loadedAt); err != nil {
			return nil, fmt.Errorf("merge: %s: %w", valueCol, err)
		}
	}
	return d, nil
}

func dimensionDataset(idCol, valueCol string) *dataset.Dataset {
	return dataset.MustNew(
		dataset.Column{Name: idCol, Type: dataset.Integer},
		dataset.Column{Name: valueCol, Type: dataset.Text, Nullable: true},
		dataset.Column{Name: ColFechaCarga, Type: dataset.Timestamp},
	)
}
