// Package normalize maps each source's raw columns onto the canonical schema,
// coerces types, and cleans the contact fields.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"espacios/internal/dataset"
)

// SchemaMismatchError reports required raw columns absent from a source.
type SchemaMismatchError struct {
	Source  Source
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("normalize %s: missing columns %s", e.Source, strings.Join(e.Missing, ", "))
}

// TypeCoercionError is a dataset coercion failure annotated with its source.
type TypeCoercionError struct {
	Source Source
	*dataset.TypeCoercionError
}

func (e *TypeCoercionError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Source, e.TypeCoercionError.Error())
}

func (e *TypeCoercionError) Unwrap() error { return e.TypeCoercionError }

var numericAreaCode = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

// Normalize turns a raw source dataset into the canonical shape.
//
// The input is not modified. The result has CanonicalColumns (plus
// CinemaColumns for cinemas) with id columns typed Integer and every other
// canonical column nullable Text.
func Normalize(raw *dataset.Dataset, src Source) (*dataset.Dataset, error) {
	names, ok := rawColumns[src]
	if !ok {
		return nil, fmt.Errorf("normalize: unknown source %q", src)
	}
	required := RawColumns(src)

	var missing []string
	for _, c := range required {
		if raw.Index(c) < 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaMismatchError{Source: src, Missing: missing}
	}

	ds, err := raw.Select(required...)
	if err != nil {
		return nil, err
	}
	for i, from := range names {
		if err := ds.Rename(from, selected[i]); err != nil {
			return nil, err
		}
	}
	if src == Cinemas {
		for i, from := range rawCinemaExtras {
			if err := ds.Rename(from, CinemaColumns[i]); err != nil {
				return nil, err
			}
		}
	}

	for _, c := range selected[:3] {
		if err := ds.Coerce(c, dataset.Integer, false); err != nil {
			return nil, wrapCoercion(src, err)
		}
	}
	for _, c := range selected[3:] {
		if err := ds.Coerce(c, dataset.Text, true); err != nil {
			return nil, wrapCoercion(src, err)
		}
	}

	if err := ds.Update(ColCodArea, stripAreaCodeDecimals); err != nil {
		return nil, err
	}
	for _, c := range sentinelColumns {
		if err := ds.Update(c, nullSentinel); err != nil {
			return nil, err
		}
	}
	if err := composePhone(ds); err != nil {
		return nil, err
	}
	if err := ds.Drop(ColCodArea); err != nil {
		return nil, err
	}

	if src == Cinemas {
		if err := normalizeCinemaExtras(ds); err != nil {
			return nil, wrapCoercion(src, err)
		}
	}
	return ds, nil
}

func wrapCoercion(src Source, err error) error {
	var ce *dataset.TypeCoercionError
	if errors.As(err, &ce) {
		return &TypeCoercionError{Source: src, TypeCoercionError: ce}
	}
	return err
}

// stripAreaCodeDecimals turns spreadsheet artifacts like "11.0" into "11".
func stripAreaCodeDecimals(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !numericAreaCode.MatchString(s) {
		return v, nil
	}
	return s[:strings.IndexByte(s, '.')], nil
}

func nullSentinel(v any) (any, error) {
	s, ok := v.(string)
	if ok && sentinels[strings.TrimSpace(s)] {
		return nil, nil
	}
	return v, nil
}

// composePhone prefixes the area code onto the phone number in the form
// "(AREA) NUMBER". A null phone stays null; a null area code composes as "".
func composePhone(ds *dataset.Dataset) error {
	area := ds.Index(ColCodArea)
	phone := ds.Index(ColTelefono)
	return ds.Transform(ColTelefono, func(row dataset.Row) (any, error) {
		num, ok := row[phone].(string)
		if !ok {
			return nil, nil
		}
		code, _ := row[area].(string)
		return "(" + code + ") " + num, nil
	})
}

// normalizeCinemaExtras types the cinema-only columns. espacio_incaa is true
// only for "si" in any letter case; anything else, null included, is false.
func normalizeCinemaExtras(ds *dataset.Dataset) error {
	for _, c := range []string{ColPantallas, ColButacas} {
		if err := ds.Coerce(c, dataset.NullableInteger, true); err != nil {
			return err
		}
	}
	err := ds.Update(ColEspacioINCAA, func(v any) (any, error) {
		s, _ := v.(string)
		if strings.EqualFold(strings.TrimSpace(s), "si") {
			return "true", nil
		}
		return "false", nil
	})
	if err != nil {
		return err
	}
	return ds.Coerce(ColEspacioINCAA, dataset.Boolean, false)
}
