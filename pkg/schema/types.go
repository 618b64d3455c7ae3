package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is a storage class of a logical type
type Kind string

// enum of all type kinds
const (
	KindInt     Kind = "int"
	KindBool    Kind = "bool"
	KindFloat   Kind = "float"
	KindDecimal Kind = "decimal"
	KindString  Kind = "string" // char and varchar, take a length
	KindText    Kind = "text"
	KindBinary  Kind = "binary" // binary and varbinary, take a length
	KindBlob    Kind = "blob"
	KindTime    Kind = "time"
	KindJSON    Kind = "json"
	KindEnum    Kind = "enum"
)

// TypeInfo is a registry entry for a logical type
type TypeInfo struct {
	Name string
	Kind Kind
	Min  int64  // signed minimum, integers only
	Max  uint64 // signed maximum, integers only
}

var registry = map[string]TypeInfo{
	"tinyint":    {Name: "tinyint", Kind: KindInt, Min: math.MinInt8, Max: math.MaxInt8},
	"smallint":   {Name: "smallint", Kind: KindInt, Min: math.MinInt16, Max: math.MaxInt16},
	"mediumint":  {Name: "mediumint", Kind: KindInt, Min: -1 << 23, Max: 1<<23 - 1},
	"int":        {Name: "int", Kind: KindInt, Min: math.MinInt32, Max: math.MaxInt32},
	"bigint":     {Name: "bigint", Kind: KindInt, Min: math.MinInt64, Max: math.MaxInt64},
	"bool":       {Name: "bool", Kind: KindBool},
	"float":      {Name: "float", Kind: KindFloat},
	"double":     {Name: "double", Kind: KindFloat},
	"decimal":    {Name: "decimal", Kind: KindDecimal},
	"char":       {Name: "char", Kind: KindString},
	"varchar":    {Name: "varchar", Kind: KindString},
	"tinytext":   {Name: "tinytext", Kind: KindText},
	"text":       {Name: "text", Kind: KindText},
	"mediumtext": {Name: "mediumtext", Kind: KindText},
	"longtext":   {Name: "longtext", Kind: KindText},
	"binary":     {Name: "binary", Kind: KindBinary},
	"varbinary":  {Name: "varbinary", Kind: KindBinary},
	"tinyblob":   {Name: "tinyblob", Kind: KindBlob},
	"blob":       {Name: "blob", Kind: KindBlob},
	"mediumblob": {Name: "mediumblob", Kind: KindBlob},
	"longblob":   {Name: "longblob", Kind: KindBlob},
	"date":       {Name: "date", Kind: KindTime},
	"time":       {Name: "time", Kind: KindTime},
	"datetime":   {Name: "datetime", Kind: KindTime},
	"timestamp":  {Name: "timestamp", Kind: KindTime},
	"json":       {Name: "json", Kind: KindJSON},
	"enum":       {Name: "enum", Kind: KindEnum},
}

var aliases = map[string]string{
	"byte":    "tinyint",
	"short":   "smallint",
	"integer": "int",
	"int32":   "int",
	"long":    "bigint",
	"int64":   "bigint",
	"boolean": "bool",
	"real":    "double",
	"numeric": "decimal",
	"string":  "varchar",
}

// Lookup returns registry entry for the type name, aliases included
func Lookup(name string) (TypeInfo, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	info, ok := registry[name]
	return info, ok
}

// TypeNames returns all canonical type names, used by tests and docs
func TypeNames() []string {
	res := make([]string, 0, len(registry))
	for k := range registry {
		res = append(res, k)
	}
	return res
}

// Kind returns the kind of column's logical type, empty for unknown types
func (c Column) Kind() Kind {
	info, ok := Lookup(c.Type)
	if !ok {
		return ""
	}
	return info.Kind
}

// Bounds returns the allowed value range for integer columns.
// Unsigned types floor the minimum at zero and double the signed maximum.
func (c Column) Bounds() (minVal int64, maxVal uint64, ok bool) {
	info, found := Lookup(c.Type)
	if !found || info.Kind != KindInt {
		return 0, 0, false
	}
	if c.Unsigned {
		return 0, info.Max*2 + 1, true
	}
	return info.Min, info.Max, true
}

// Resolve parses a type string like "varchar(100)", "uint", "int unsigned", "decimal(10,2)"
// or "enum('a','b')" into a column descriptor. Only type attributes are set, the caller fills the rest.
func Resolve(typeString string) (Column, error) {
	s := strings.ToLower(strings.TrimSpace(typeString))
	if s == "" {
		return Column{}, fmt.Errorf("%w: empty type", ErrUnknownType)
	}

	res := Column{}
	if strings.HasSuffix(s, " unsigned") {
		res.Unsigned = true
		s = strings.TrimSpace(strings.TrimSuffix(s, " unsigned"))
	}

	args, hasArgs := "", false
	if i := strings.IndexByte(s, '('); i >= 0 {
		if !strings.HasSuffix(s, ")") {
			return Column{}, fmt.Errorf("%w: malformed %q", ErrUnknownType, typeString)
		}
		args, hasArgs = s[i+1:len(s)-1], true
		// keep original case for enum values
		if orig := strings.TrimSpace(typeString); strings.HasSuffix(orig, ")") {
			if j := strings.IndexByte(orig, '('); j >= 0 {
				args = orig[j+1 : len(orig)-1]
			}
		}
		s = strings.TrimSpace(s[:i])
	}

	info, ok := Lookup(s)
	if !ok && strings.HasPrefix(s, "u") {
		if info, ok = Lookup(s[1:]); ok {
			res.Unsigned = true
		}
	}
	if !ok {
		return Column{}, fmt.Errorf("%w: %q", ErrUnknownType, typeString)
	}
	if res.Unsigned && info.Kind != KindInt {
		return Column{}, fmt.Errorf("%w: %q can't be unsigned", ErrUnknownType, typeString)
	}
	res.Type = info.Name

	if !hasArgs {
		if info.Kind == KindEnum {
			return Column{}, fmt.Errorf("%w: enum %q without values", ErrUnsupportedArgument, typeString)
		}
		return res, nil
	}

	switch info.Kind {
	case KindEnum:
		vals := splitEnum(args)
		if len(vals) == 0 {
			return Column{}, fmt.Errorf("%w: enum %q without values", ErrUnsupportedArgument, typeString)
		}
		res.Enum = vals
	case KindInt:
		// display width, accepted and discarded
		if _, err := strconv.Atoi(strings.TrimSpace(args)); err != nil {
			return Column{}, fmt.Errorf("%w: bad width in %q", ErrUnsupportedArgument, typeString)
		}
	case KindDecimal, KindFloat, KindTime:
		p, sc, err := parsePrecision(args)
		if err != nil {
			return Column{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedArgument, typeString, err)
		}
		if info.Kind == KindTime && sc != nil {
			return Column{}, fmt.Errorf("%w: %q takes no scale", ErrUnsupportedArgument, typeString)
		}
		res.Precision, res.Scale = p, sc
	case KindString, KindBinary:
		l, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil || l < 0 {
			return Column{}, fmt.Errorf("%w: bad length in %q", ErrUnsupportedArgument, typeString)
		}
		res.Length = &l
	default:
		return Column{}, fmt.Errorf("%w: %q takes no arguments", ErrUnsupportedArgument, typeString)
	}
	return res, nil
}

// Render makes a canonical type string from column's type attributes. Exactly one rendering mode
// applies: enum list, precision/scale, unsigned prefix, length or the bare type name.
func Render(c Column) string {
	switch {
	case len(c.Enum) > 0:
		vals := make([]string, len(c.Enum))
		for i, v := range c.Enum {
			vals[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		return c.Type + "(" + strings.Join(vals, ",") + ")"
	case c.Precision != nil:
		if c.Scale != nil {
			return fmt.Sprintf("%s(%d,%d)", c.Type, *c.Precision, *c.Scale)
		}
		return fmt.Sprintf("%s(%d)", c.Type, *c.Precision)
	case c.Unsigned:
		return "u" + c.Type
	case c.Length != nil:
		return fmt.Sprintf("%s(%d)", c.Type, *c.Length)
	default:
		return c.Type
	}
}

func parsePrecision(args string) (precision, scale *int, err error) {
	parts := strings.Split(args, ",")
	if len(parts) > 2 {
		return nil, nil, fmt.Errorf("too many arguments")
	}
	p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("bad precision: %w", err)
	}
	precision = &p
	if len(parts) == 2 {
		s, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, nil, fmt.Errorf("bad scale: %w", err)
		}
		scale = &s
	}
	return precision, scale, nil
}

// splitEnum splits enum values list, honoring quoted commas, and trims quotes and spaces
func splitEnum(args string) []string {
	var res []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		v := strings.Trim(strings.TrimSpace(cur.String()), `'"`)
		v = strings.ReplaceAll(v, "''", "'")
		if v != "" {
			res = append(res, v)
		}
		cur.Reset()
	}
	rs := []rune(args)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0 && r == quote && i+1 < len(rs) && rs[i+1] == quote: // doubled quote
			cur.WriteRune(r)
			cur.WriteRune(r)
			i++
		case quote != 0 && r == quote:
			quote = 0
			cur.WriteRune(r)
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
			cur.WriteRune(r)
		case quote == 0 && r == ',':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return res
}
