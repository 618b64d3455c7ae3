package schema

import (
	"math"
	"sort"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tbl := []struct {
		in   string
		want Column
		err  error
	}{
		{in: "int", want: Column{Type: "int"}},
		{in: "INT(11)", want: Column{Type: "int"}},
		{in: "uint", want: Column{Type: "int", Unsigned: true}},
		{in: "int unsigned", want: Column{Type: "int", Unsigned: true}},
		{in: "bigint(20) unsigned", want: Column{Type: "bigint", Unsigned: true}},
		{in: "int64", want: Column{Type: "bigint"}},
		{in: "long", want: Column{Type: "bigint"}},
		{in: "string", want: Column{Type: "varchar"}},
		{in: "string(50)", want: Column{Type: "varchar", Length: IntPtr(50)}},
		{in: " varchar(255) ", want: Column{Type: "varchar", Length: IntPtr(255)}},
		{in: "decimal(10,2)", want: Column{Type: "decimal", Precision: IntPtr(10), Scale: IntPtr(2)}},
		{in: "decimal(10)", want: Column{Type: "decimal", Precision: IntPtr(10)}},
		{in: "datetime(6)", want: Column{Type: "datetime", Precision: IntPtr(6)}},
		{in: "boolean", want: Column{Type: "bool"}},
		{in: "enum('a', 'b' ,\"c\")", want: Column{Type: "enum", Enum: []string{"a", "b", "c"}}},
		{in: "enum('Mixed Case','x,y')", want: Column{Type: "enum", Enum: []string{"Mixed Case", "x,y"}}},
		{in: "enum('it''s')", want: Column{Type: "enum", Enum: []string{"it's"}}},
		{in: "json", want: Column{Type: "json"}},
		{in: "unknown", err: ErrUnknownType},
		{in: "", err: ErrUnknownType},
		{in: "uvarchar(10)", err: ErrUnknownType},
		{in: "varchar(10", err: ErrUnknownType},
		{in: "varchar(abc)", err: ErrUnsupportedArgument},
		{in: "enum", err: ErrUnsupportedArgument},
		{in: "text(10)", err: ErrUnsupportedArgument},
		{in: "date(1,2)", err: ErrUnsupportedArgument},
	}

	for _, tc := range tbl {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Resolve(tc.in)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRender(t *testing.T) {
	tbl := []struct {
		col  Column
		want string
	}{
		{Column{Type: "int"}, "int"},
		{Column{Type: "int", Unsigned: true}, "uint"},
		{Column{Type: "varchar", Length: IntPtr(100)}, "varchar(100)"},
		{Column{Type: "decimal", Precision: IntPtr(8), Scale: IntPtr(3)}, "decimal(8,3)"},
		{Column{Type: "enum", Enum: []string{"a", "it's"}}, "enum('a','it''s')"},
		{Column{Type: "text"}, "text"},
	}
	for _, tc := range tbl {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.col))
		})
	}
}

func TestResolveRenderRoundTrip(t *testing.T) {
	names := TypeNames()
	sort.Strings(names)
	for _, name := range names {
		var inputs []string
		switch info, _ := Lookup(name); info.Kind {
		case KindEnum:
			inputs = []string{"enum('one','two')"}
		case KindInt:
			inputs = []string{name, "u" + name, name + "(4) unsigned"}
		case KindString, KindBinary:
			inputs = []string{name, name + "(32)"}
		case KindDecimal, KindFloat:
			inputs = []string{name, name + "(12,4)", name + "(7)"}
		case KindTime:
			inputs = []string{name, name + "(3)"}
		default:
			inputs = []string{name}
		}
		for _, in := range inputs {
			t.Run(in, func(t *testing.T) {
				first, err := Resolve(in)
				require.NoError(t, err)
				second, err := Resolve(Render(first))
				require.NoError(t, err)
				assert.Equal(t, first, second)
			})
		}
	}
}

func TestColumn_Bounds(t *testing.T) {
	c, err := Resolve("tinyint")
	require.NoError(t, err)
	minVal, maxVal, ok := c.Bounds()
	assert.True(t, ok)
	assert.Equal(t, int64(-128), minVal)
	assert.Equal(t, uint64(127), maxVal)

	c, err = Resolve("utinyint")
	require.NoError(t, err)
	minVal, maxVal, ok = c.Bounds()
	assert.True(t, ok)
	assert.Equal(t, int64(0), minVal)
	assert.Equal(t, uint64(255), maxVal)

	c, err = Resolve("bigint unsigned")
	require.NoError(t, err)
	_, maxVal, _ = c.Bounds()
	assert.Equal(t, uint64(math.MaxUint64), maxVal)

	_, _, ok = Column{Type: "varchar"}.Bounds()
	assert.False(t, ok)
}

func TestProperty_RenderResolve(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sized types survive render and resolve", prop.ForAll(
		func(name string, size int) bool {
			first, err := Resolve(name + "(" + strconv.Itoa(size) + ")")
			if err != nil {
				return false
			}
			second, err := Resolve(Render(first))
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(first, second)
		},
		gen.OneConstOf("varchar", "char", "binary", "varbinary", "string", "decimal", "float", "double"),
		gen.IntRange(1, 65535),
	))

	properties.Property("enum values survive render and resolve", prop.ForAll(
		func(vals []string) bool {
			if len(vals) == 0 {
				return true
			}
			c := Column{Type: "enum", Enum: vals}
			got, err := Resolve(Render(c))
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(vals, got.Enum)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
