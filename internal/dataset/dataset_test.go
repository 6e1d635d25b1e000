package dataset

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textDataset(t *testing.T, names []string, rows ...[]any) *Dataset {
	t.Helper()
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Type: Text, Nullable: true}
	}
	d, err := New(cols...)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, d.AppendText(r))
	}
	return d
}

func TestNew_RejectsDuplicateColumns(t *testing.T) {
	t.Parallel()

	_, err := New(Column{Name: "a", Type: Text}, Column{Name: "a", Type: Integer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate column "a"`)
}

func TestAppend_EnforcesArityAndTypes(t *testing.T) {
	t.Parallel()

	d := MustNew(
		Column{Name: "id", Type: Integer},
		Column{Name: "name", Type: Text, Nullable: true},
		Column{Name: "seats", Type: NullableInteger},
	)

	require.NoError(t, d.Append(int64(1), "a", nil))
	require.NoError(t, d.Append(int64(2), nil, int64(30)))

	assert.Error(t, d.Append(int64(3), "x"), "short row")
	assert.Error(t, d.Append(nil, "x", nil), "null id")
	assert.Error(t, d.Append("3", "x", nil), "string id")
	assert.Equal(t, 2, d.Len())

	col, ok := d.Column("seats")
	require.True(t, ok)
	assert.True(t, col.Nullable, "nullable integer columns are always nullable")
}

func TestSelectRenameDrop_PreserveOrder(t *testing.T) {
	t.Parallel()

	d := textDataset(t, []string{"a", "b", "c"},
		[]any{"1", "2", "3"},
		[]any{"4", nil, "6"},
	)

	s, err := d.Select("c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, s.ColumnNames())
	assert.Equal(t, Row{"3", "1"}, s.Rows()[0])

	require.NoError(t, s.Rename("c", "z"))
	assert.Equal(t, []string{"z", "a"}, s.ColumnNames())
	assert.Equal(t, 0, s.Index("z"))
	assert.Equal(t, -1, s.Index("c"))

	require.NoError(t, d.Drop("b"))
	assert.Equal(t, []string{"a", "c"}, d.ColumnNames())
	assert.Equal(t, Row{"4", "6"}, d.Rows()[1])
	assert.Equal(t, "6", d.Value(1, "c"))

	_, err = d.Select("missing")
	assert.Error(t, err)
}

func TestAddColumn_RollsBackOnError(t *testing.T) {
	t.Parallel()

	d := textDataset(t, []string{"a"}, []any{"1"}, []any{"2"})

	err := d.AddColumn(Column{Name: "n", Type: Integer}, func(i int, _ Row) (any, error) {
		if i == 1 {
			return nil, errors.New("boom")
		}
		return int64(i), nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, d.ColumnNames())
	assert.Len(t, d.Rows()[0], 1)

	require.NoError(t, d.AddColumn(Column{Name: "n", Type: Integer}, func(i int, _ Row) (any, error) {
		return int64(i * 10), nil
	}))
	assert.Equal(t, int64(10), d.Value(1, "n"))
}

func TestCoerce_Integer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       any
		nullable bool
		want     any
		wantErr  bool
	}{
		{name: "plain", in: "42", want: int64(42)},
		{name: "padded", in: "  7 ", want: int64(7)},
		{name: "integral_decimal", in: "1234.0", want: int64(1234)},
		{name: "fractional", in: "1.5", wantErr: true},
		{name: "word", in: "abc", wantErr: true},
		{name: "overflow", in: "99999999999999999999", wantErr: true},
		{name: "negative_overflow", in: "-99999999999999999999", wantErr: true},
		{name: "overflow_decimal", in: "1e19", wantErr: true},
		{name: "max_int64", in: "9223372036854775807", want: int64(9223372036854775807)},
		{name: "blank_not_nullable", in: "", wantErr: true},
		{name: "blank_nullable", in: "", nullable: true, want: nil},
		{name: "null_nullable", in: nil, nullable: true, want: nil},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := textDataset(t, []string{"v"}, []any{tc.in})
			err := d.Coerce("v", Integer, tc.nullable)
			if tc.wantErr {
				var ce *TypeCoercionError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, "v", ce.Column)
				assert.Equal(t, 0, ce.Row)
				col, _ := d.Column("v")
				assert.Equal(t, Text, col.Type, "failed coercion must not retype the column")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Value(0, "v"))
		})
	}
}

func TestCoerce_TextAndTimestamp(t *testing.T) {
	t.Parallel()

	d := MustNew(Column{Name: "n", Type: Integer}, Column{Name: "ts", Type: Text})
	require.NoError(t, d.Append(int64(5), "2024-03-01 10:00:00"))

	require.NoError(t, d.Coerce("n", Text, true))
	assert.Equal(t, "5", d.Value(0, "n"))

	require.NoError(t, d.Coerce("ts", Timestamp, false))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), d.Value(0, "ts"))
}

func TestTableSet_Lookup(t *testing.T) {
	t.Parallel()

	a := MustNew(Column{Name: "x", Type: Integer})
	set := TableSet{{Name: "a", Data: a}, {Name: "b", Data: MustNew()}}

	got, ok := set.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = set.Get("zzz")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, set.Names())
}
