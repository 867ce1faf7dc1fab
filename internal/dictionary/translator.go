package dictionary

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bz888/subql-cosmos/pkg/types"
)

const (
	groupEvents   = "events"
	groupMessages = "messages"

	matcherEqualTo  = "equalTo"
	matcherContains = "contains"

	gqlString = "String!"
	gqlJSON   = "JSON"
)

var (
	// ErrFullScanRequired is returned when a filter cannot be narrowed by the dictionary,
	// so every height in the range has to be fetched.
	ErrFullScanRequired = errors.New("filters require a full scan")

	// ErrConflictingValuePaths is returned when one value path is a prefix of another.
	ErrConflictingValuePaths = errors.New("conflicting value paths")
)

// Query is a rendered dictionary request. Query and Variables are the wire body;
// the remaining fields describe the request for the client and the height provider.
type Query struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`

	// From and To bound the requested range [From, To).
	From uint64 `json:"-"`
	To   uint64 `json:"-"`
	// Limit caps the rows returned per group.
	Limit int `json:"-"`
	// Groups lists the entity groups queried, alphabetically.
	Groups []string `json:"-"`
	// Modulos are block filters the dictionary cannot answer; the caller merges
	// their heights into the result.
	Modulos []uint64 `json:"-"`
}

type condition struct {
	field   string
	matcher string
	gqlType string
	value   any
	// canonical JSON of value, used for sorting and binding reuse
	literal string
}

type entry struct {
	conditions []condition
	key        string
}

// Translate renders filters into a single dictionary query over [start, end) returning
// at most limit distinct heights per group. Identical inputs give byte-identical output,
// independent of the order of the filters.
func Translate(filters []types.FilterCondition, start, end uint64, limit int) (*Query, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: no filters", ErrFullScanRequired)
	}
	if end <= start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	if limit < 1 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}

	groups := map[string][]entry{}
	modulos := map[uint64]struct{}{}

	for i, f := range filters {
		switch {
		case f.Kind == types.FilterKindBlock && f.Block != nil:
			if f.Block.Timestamp != "" {
				return nil, fmt.Errorf("%w: filters[%d] is a timestamp block filter", ErrFullScanRequired, i)
			}
			if f.Block.Modulo == 0 {
				return nil, fmt.Errorf("%w: filters[%d] is a block filter without modulo", ErrFullScanRequired, i)
			}
			modulos[f.Block.Modulo] = struct{}{}
		case f.Kind == types.FilterKindTransaction:
			return nil, fmt.Errorf("%w: filters[%d] is a transaction filter", ErrFullScanRequired, i)
		case f.Kind == types.FilterKindMessage && f.Message != nil:
			conds, err := messageConditions(f.Message, "type")
			if err != nil {
				return nil, fmt.Errorf("filters[%d]: %w", i, err)
			}
			groups[groupMessages] = append(groups[groupMessages], newEntry(conds))
		case f.Kind == types.FilterKindEvent && f.Event != nil:
			conds, err := eventConditions(f.Event)
			if err != nil {
				return nil, fmt.Errorf("filters[%d]: %w", i, err)
			}
			groups[groupEvents] = append(groups[groupEvents], newEntry(conds))
		default:
			return nil, fmt.Errorf("filters[%d]: unsupported filter kind %s", i, f.Kind)
		}
	}

	q := &Query{
		Variables: map[string]any{},
		From:      start,
		To:        end,
		Limit:     limit,
	}
	for m := range modulos {
		q.Modulos = append(q.Modulos, m)
	}
	sort.Slice(q.Modulos, func(i, j int) bool { return q.Modulos[i] < q.Modulos[j] })

	if len(groups) == 0 {
		// only modulo filters, nothing for the dictionary to answer
		return q, nil
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	q.Groups = names

	r := newRenderer()
	var body strings.Builder
	body.WriteString("_metadata {lastProcessedHeight chain } ")
	for _, name := range names {
		body.WriteString(" ")
		body.WriteString(r.group(name, canonicalEntries(groups[name]), start, end, limit))
	}

	q.Query = fmt.Sprintf("query(%s){%s}", strings.Join(r.decls, ","), body.String())
	q.Variables = r.vars
	return q, nil
}

func messageConditions(f *types.MessageFilter, typeField string) ([]condition, error) {
	conds := []condition{newCondition(typeField, matcherEqualTo, gqlString, f.Type)}
	if len(f.Values) > 0 {
		nested, err := nestValues(f.Values)
		if err != nil {
			return nil, err
		}
		conds = append(conds, newCondition("data", matcherContains, gqlJSON, nested))
	}
	return conds, nil
}

// eventConditions matches on the event type and, when present, on the emitting message.
// Attribute predicates are applied locally after the block is fetched.
func eventConditions(f *types.EventFilter) ([]condition, error) {
	conds := []condition{newCondition("type", matcherEqualTo, gqlString, f.Type)}
	if f.MessageFilter != nil {
		msg, err := messageConditions(f.MessageFilter, "msgType")
		if err != nil {
			return nil, err
		}
		conds = append(conds, msg...)
	}
	return conds, nil
}

func newCondition(field, matcher, gqlType string, value any) condition {
	// values are strings or maps of strings, both always marshal
	raw, _ := json.Marshal(value)
	return condition{field: field, matcher: matcher, gqlType: gqlType, value: value, literal: string(raw)}
}

func newEntry(conds []condition) entry {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, c.field+"|"+c.matcher+"|"+c.gqlType+"|"+c.literal)
	}
	return entry{conditions: conds, key: strings.Join(parts, "\x00")}
}

func canonicalEntries(entries []entry) []entry {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	out := entries[:0:0]
	for i, e := range entries {
		if i > 0 && e.key == entries[i-1].key {
			continue
		}
		out = append(out, e)
	}
	return out
}

// nestValues turns dotted paths into nested maps: {"msg.swap.input_token": "X"}
// becomes {"msg": {"swap": {"input_token": "X"}}}.
func nestValues(values map[string]string) (map[string]any, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := map[string]any{}
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			switch child := node[part].(type) {
			case nil:
				next := map[string]any{}
				node[part] = next
				node = next
			case map[string]any:
				node = child
			default:
				return nil, fmt.Errorf("%w: %q", ErrConflictingValuePaths, key)
			}
		}
		leaf := parts[len(parts)-1]
		if _, exists := node[leaf]; exists {
			return nil, fmt.Errorf("%w: %q", ErrConflictingValuePaths, key)
		}
		node[leaf] = values[key]
	}
	return root, nil
}

type renderer struct {
	decls    []string
	vars     map[string]any
	bindings map[string]string
}

func newRenderer() *renderer {
	return &renderer{vars: map[string]any{}, bindings: map[string]string{}}
}

// bind returns the variable holding c's literal, declaring it under name on first use.
func (r *renderer) bind(name string, c condition) string {
	key := c.gqlType + "|" + c.literal
	if existing, ok := r.bindings[key]; ok {
		return existing
	}
	r.bindings[key] = name
	r.decls = append(r.decls, fmt.Sprintf("$%s:%s", name, c.gqlType))
	r.vars[name] = c.value
	return name
}

func (r *renderer) group(name string, entries []entry, start, end uint64, limit int) string {
	clauses := make([]string, 0, len(entries))
	for i, e := range entries {
		preds := make([]string, 0, len(e.conditions))
		for j, c := range e.conditions {
			v := r.bind(fmt.Sprintf("%s_%d_%d", name, i, j), c)
			preds = append(preds, fmt.Sprintf("{%s:{%s:$%s}}", c.field, c.matcher, v))
		}
		if len(preds) == 1 {
			clauses = append(clauses, preds[0])
		} else {
			clauses = append(clauses, fmt.Sprintf("{and:[%s]}", strings.Join(preds, ",")))
		}
	}

	return fmt.Sprintf(
		`%s (filter:{or:[%s],blockHeight:{greaterThanOrEqualTo:"%d",lessThan:"%d"}},orderBy:BLOCK_HEIGHT_ASC,first:%d,distinct:[BLOCK_HEIGHT]){nodes {blockHeight }  } `,
		name, strings.Join(clauses, ","), start, end, limit,
	)
}
