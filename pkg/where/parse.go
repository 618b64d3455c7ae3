package where

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// entry is a key-value pair of a loose where map, kept in encounter order
type entry struct {
	key string
	val any
}

type ordered []entry

// Parse makes where tree from a loose map. Keys are processed in sorted order, so the result is
// deterministic. Use ParseYAML if the order of keys matters.
//
// Keys "and", "or", "$and", "$or" and integer keys open bracket groups, the integer ones joined with "and".
// Any other key is a column name with the value being:
//   - a scalar, making equality (nil for "is null")
//   - a list, making implicit "in"
//   - an operator map like {">": 3, "<": 5}, making one comparison per operator,
//     joined by the operator of the enclosing group
func Parse(m map[string]any) (Node, error) {
	return parseBracket(And, fromMap(m))
}

// ParseYAML makes where tree from yaml or json document, keeping the order of keys as written
func ParseYAML(data []byte) (Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("can't unmarshal where: %w", err)
	}
	if doc.Kind == 0 {
		return Bracket{Op: And}, nil
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: expected a map at line %d", ErrInvalidWhere, root.Line)
	}
	v, err := fromYAML(root)
	if err != nil {
		return nil, err
	}
	return parseBracket(And, v.(ordered))
}

func fromMap(m map[string]any) ordered {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make(ordered, 0, len(keys))
	for _, k := range keys {
		res = append(res, entry{key: k, val: normalize(m[k])})
	}
	return res
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return fromMap(val)
	case ordered:
		return val
	}
	if list, ok := asList(v); ok {
		res := make([]any, len(list))
		for i, item := range list {
			res[i] = normalize(item)
		}
		return res
	}
	return v
}

func fromYAML(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		res := make(ordered, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			val, err := fromYAML(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			res = append(res, entry{key: n.Content[i].Value, val: val})
		}
		return res, nil
	case yaml.SequenceNode:
		res := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := fromYAML(c)
			if err != nil {
				return nil, err
			}
			res = append(res, val)
		}
		return res, nil
	case yaml.AliasNode:
		return fromYAML(n.Alias)
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("can't decode %q at line %d: %w", n.Value, n.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unexpected node at line %d", ErrInvalidWhere, n.Line)
}

func parseBracket(op Join, entries ordered) (Bracket, error) {
	res := Bracket{Op: op}
	for _, e := range entries {
		nodes, err := parseEntry(e)
		if err != nil {
			return Bracket{}, err
		}
		res.Nodes = append(res.Nodes, nodes...)
	}
	return res, nil
}

func parseEntry(e entry) ([]Node, error) {
	if j, ok := ParseJoin(e.key); ok {
		b, err := parseGroup(j, e.val)
		return []Node{b}, err
	}
	if _, err := strconv.Atoi(e.key); err == nil {
		b, err := parseGroup(And, e.val)
		return []Node{b}, err
	}
	if e.key == "" {
		return nil, fmt.Errorf("%w: empty column name", ErrInvalidWhere)
	}
	return parseColumn(e.key, e.val)
}

// parseGroup makes a bracket from a map of members or from a list of maps, each list item
// being a separate "and" group
func parseGroup(op Join, v any) (Bracket, error) {
	switch val := v.(type) {
	case ordered:
		return parseBracket(op, val)
	case []any:
		res := Bracket{Op: op}
		for _, item := range val {
			om, ok := item.(ordered)
			if !ok {
				return Bracket{}, fmt.Errorf("%w: %s group member %v is not a map", ErrInvalidWhere, op, item)
			}
			b, err := parseBracket(And, om)
			if err != nil {
				return Bracket{}, err
			}
			if len(b.Nodes) == 1 {
				res.Nodes = append(res.Nodes, b.Nodes[0])
				continue
			}
			res.Nodes = append(res.Nodes, b)
		}
		return res, nil
	}
	return Bracket{}, fmt.Errorf("%w: %s group value %v is not a map or list", ErrInvalidWhere, op, v)
}

func parseColumn(column string, v any) ([]Node, error) {
	ops, ok := v.(ordered)
	if !ok {
		return []Node{Equality{Column: column, Value: v}}, nil
	}
	res := make([]Node, 0, len(ops))
	for _, e := range ops {
		if j, ok := ParseJoin(e.key); ok {
			sub, ok := e.val.(ordered)
			if !ok {
				return nil, fmt.Errorf("%w: %s on %q expects operator map", ErrInvalidWhere, j, column)
			}
			nodes, err := parseColumn(column, sub)
			if err != nil {
				return nil, err
			}
			res = append(res, Bracket{Op: j, Nodes: nodes})
			continue
		}
		op, ok := ParseOp(e.key)
		if !ok {
			return nil, fmt.Errorf("%w: %q on %q", ErrUnknownOperator, e.key, column)
		}
		if _, isMap := e.val.(ordered); isMap {
			return nil, fmt.Errorf("%w: map value for %s on %q", ErrInvalidOperand, op, column)
		}
		res = append(res, Comparison{Column: column, Op: op, Value: e.val})
	}
	return res, nil
}
