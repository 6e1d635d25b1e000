package normalize

// Source identifies one of the three published datasets. The string value is
// also the on-disk directory name for downloads.
type Source string

const (
	Museums   Source = "museos"
	Cinemas   Source = "salas_cine"
	Libraries Source = "bibliotecas"
)

// Sources lists every source in load order.
var Sources = []Source{Museums, Cinemas, Libraries}

// Canonical column names shared by every source after normalization.
const (
	ColIDLocalidad    = "id_localidad"
	ColIDProvincia    = "id_provincia"
	ColIDDepartamento = "id_departamento"
	ColCategoria      = "categoria"
	ColProvincia      = "provincia"
	ColLocalidad      = "localidad"
	ColNombre         = "nombre"
	ColDomicilio      = "domicilio"
	ColCP             = "cp"
	ColCodArea        = "cod_area"
	ColTelefono       = "telefono"
	ColMail           = "mail"
	ColWeb            = "web"
	ColFuente         = "fuente"

	ColPantallas    = "pantallas"
	ColButacas      = "butacas"
	ColEspacioINCAA = "espacio_incaa"
)

// selected is the canonical selection, in order. cod_area is dropped once the
// phone number has been composed.
var selected = []string{
	ColIDLocalidad, ColIDProvincia, ColIDDepartamento,
	ColCategoria, ColProvincia, ColLocalidad, ColNombre, ColDomicilio, ColCP,
	ColCodArea, ColTelefono, ColMail, ColWeb, ColFuente,
}

// CanonicalColumns is the column order of every normalized dataset, before the
// cinema-only extras.
var CanonicalColumns = []string{
	ColIDLocalidad, ColIDProvincia, ColIDDepartamento,
	ColCategoria, ColProvincia, ColLocalidad, ColNombre, ColDomicilio, ColCP,
	ColTelefono, ColMail, ColWeb, ColFuente,
}

// CinemaColumns are appended after CanonicalColumns for the cinemas source.
var CinemaColumns = []string{ColPantallas, ColButacas, ColEspacioINCAA}

// rawColumns maps each source's published headers onto selected, position by
// position.
var rawColumns = map[Source][]string{
	Museums: {
		"Cod_Loc", "IdProvincia", "IdDepartamento",
		"categoria", "provincia", "localidad", "nombre", "direccion", "CP",
		"cod_area", "telefono", "Mail", "Web", "fuente",
	},
	Cinemas: {
		"Cod_Loc", "IdProvincia", "IdDepartamento",
		"Categoría", "Provincia", "Localidad", "Nombre", "Dirección", "CP",
		"cod_area", "Teléfono", "Mail", "Web", "Fuente",
	},
	Libraries: {
		"Cod_Loc", "IdProvincia", "IdDepartamento",
		"Categoría", "Provincia", "Localidad", "Nombre", "Domicilio", "CP",
		"Cod_tel", "Teléfono", "Mail", "Web", "Fuente",
	},
}

// rawCinemaExtras maps cinema-only headers onto CinemaColumns.
var rawCinemaExtras = []string{"Pantallas", "Butacas", "espacio_INCAA"}

// RawColumns returns the published headers a source must carry.
func RawColumns(src Source) []string {
	cols := append([]string(nil), rawColumns[src]...)
	if src == Cinemas {
		cols = append(cols, rawCinemaExtras...)
	}
	return cols
}

// sentinelColumns hold "no data" markers that become nulls.
var sentinelColumns = []string{ColCodArea, ColTelefono, ColMail, ColWeb}

var sentinels = map[string]bool{
	"s/d": true,
	"nan": true,
}
