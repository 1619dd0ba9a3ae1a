package toolset

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ArgType is the type of a tool argument as the host understands it.
type ArgType string

const (
	TypeString  ArgType = "string"
	TypeInteger ArgType = "integer"
	TypeNumber  ArgType = "number"
	TypeBoolean ArgType = "boolean"
	TypeArray   ArgType = "array"
	TypeObject  ArgType = "object"
)

const defaultArgDescription = "Parameter for MCP tool"

// Input describes one tool argument.
type Input struct {
	Name        string  `json:"name"`
	Type        ArgType `json:"type"`
	Description string  `json:"description"`
	Nullable    bool    `json:"nullable,omitempty"`
	Required    bool    `json:"required,omitempty"`
}

// Inputs is the argument spec of a tool, in schema declaration order.
type Inputs []Input

// Names returns the argument names in declaration order.
func (in Inputs) Names() []string {
	names := make([]string, len(in))
	for i, input := range in {
		names[i] = input.Name
	}
	return names
}

// Get returns the argument called name.
func (in Inputs) Get(name string) (Input, bool) {
	for _, input := range in {
		if input.Name == name {
			return input, true
		}
	}
	return Input{}, false
}

// Schema renders the argument spec as a JSON schema object.
func (in Inputs) Schema() (json.RawMessage, error) {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
	for _, input := range in {
		prop := &jsonschema.Schema{
			Type:        string(input.Type),
			Description: input.Description,
		}
		if input.Nullable {
			prop.Extras = map[string]any{"nullable": true}
		}
		s.Properties.Set(input.Name, prop)
		if input.Required {
			s.Required = append(s.Required, input.Name)
		}
	}

	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to render schema: %w", err)
	}
	return b, nil
}

// ConvertSchema converts a tool input schema into an argument spec. It never fails:
// constructs it can't map, including unresolvable references and properties without any
// type information, degrade to TypeObject. An empty or non-object schema yields no inputs.
func ConvertSchema(raw json.RawMessage) Inputs {
	if len(raw) == 0 {
		return nil
	}

	c := schemaConverter{root: raw}
	top, ok := c.deref(raw, map[string]bool{})
	if !ok {
		return nil
	}

	var doc struct {
		Properties *orderedmap.OrderedMap[string, json.RawMessage] `json:"properties"`
		Required   []string                                        `json:"required"`
	}
	if err := json.Unmarshal(top, &doc); err != nil || doc.Properties == nil {
		return nil
	}

	required := make(map[string]bool, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = true
	}

	inputs := make(Inputs, 0, doc.Properties.Len())
	for pair := doc.Properties.Oldest(); pair != nil; pair = pair.Next() {
		input := c.convertProperty(pair.Value)
		input.Name = pair.Key
		input.Required = required[pair.Key]
		inputs = append(inputs, input)
	}
	return inputs
}

type schemaConverter struct {
	root json.RawMessage
}

func (c schemaConverter) convertProperty(raw json.RawMessage) Input {
	input := Input{
		Type:        TypeObject,
		Description: defaultArgDescription,
	}

	// A description next to a $ref wins over the referenced one.
	if desc := stringField(raw, "description"); desc != "" {
		input.Description = desc
	}

	resolved, ok := c.deref(raw, map[string]bool{})
	if !ok {
		return input
	}
	var prop map[string]any
	if err := json.Unmarshal(resolved, &prop); err != nil {
		return input
	}

	if input.Description == defaultArgDescription {
		if desc, _ := prop["description"].(string); desc != "" {
			input.Description = desc
		}
	}
	input.Type, input.Nullable = c.typeOf(prop, map[string]bool{})
	if nullable, _ := prop["nullable"].(bool); nullable {
		input.Nullable = true
	}
	return input
}

// typeOf derives the argument type of a property schema and whether it admits null.
func (c schemaConverter) typeOf(prop map[string]any, seen map[string]bool) (ArgType, bool) {
	switch t := prop["type"].(type) {
	case string:
		if t == "null" {
			return TypeObject, true
		}
		return mapType(t), false
	case []any:
		return c.unionType(t, func(v any) (ArgType, bool, bool) {
			s, _ := v.(string)
			if s == "null" {
				return "", true, true
			}
			return mapType(s), false, s != ""
		})
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := prop[key].([]any)
		if !ok {
			continue
		}
		return c.unionType(branches, func(v any) (ArgType, bool, bool) {
			branch, ok := v.(map[string]any)
			if !ok {
				return "", false, false
			}
			if ref, _ := branch["$ref"].(string); ref != "" {
				resolved, ok := c.resolveRef(ref, seen)
				if !ok {
					return "", false, false
				}
				branch = resolved
			}
			if t, _ := branch["type"].(string); t == "null" {
				return "", true, true
			}
			bt, bn := c.typeOf(branch, seen)
			return bt, bn, true
		})
	}

	switch {
	case prop["properties"] != nil:
		return TypeObject, false
	case prop["items"] != nil:
		return TypeArray, false
	case allStrings(prop["enum"]):
		return TypeString, false
	}
	return TypeObject, false
}

// unionType folds union members: null members make the type nullable, a single distinct
// non-null member gives the type, anything else is an object.
func (c schemaConverter) unionType(members []any, classify func(any) (t ArgType, null bool, ok bool)) (ArgType, bool) {
	var (
		types    []ArgType
		nullable bool
	)
	for _, m := range members {
		t, null, ok := classify(m)
		if !ok {
			return TypeObject, nullable
		}
		if null {
			nullable = true
			continue
		}
		if len(types) == 0 || types[0] != t {
			types = append(types, t)
		}
	}
	if len(types) == 1 {
		return types[0], nullable
	}
	return TypeObject, nullable
}

// deref follows $ref until it reaches a concrete schema. Only local references are
// supported; cycles and dangling references report false.
func (c schemaConverter) deref(raw json.RawMessage, seen map[string]bool) (json.RawMessage, bool) {
	for {
		ref := stringField(raw, "$ref")
		if ref == "" {
			return raw, true
		}
		if seen[ref] || !strings.HasPrefix(ref, "#") {
			return nil, false
		}
		seen[ref] = true

		target, ok := c.pointer(ref)
		if !ok {
			return nil, false
		}
		raw = target
	}
}

func (c schemaConverter) resolveRef(ref string, seen map[string]bool) (map[string]any, bool) {
	raw, ok := c.deref(json.RawMessage(`{"$ref":`+quote(ref)+`}`), seen)
	if !ok {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// pointer evaluates a local JSON pointer reference such as "#/$defs/Item" against the root
// document.
func (c schemaConverter) pointer(ref string) (json.RawMessage, bool) {
	path := strings.TrimPrefix(strings.TrimPrefix(ref, "#"), "/")
	cur := c.root
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		var node map[string]json.RawMessage
		if err := json.Unmarshal(cur, &node); err != nil {
			return nil, false
		}
		next, ok := node[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func mapType(t string) ArgType {
	switch ArgType(t) {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return ArgType(t)
	}
	return TypeObject
}

func stringField(raw json.RawMessage, key string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}

func allStrings(v any) bool {
	values, ok := v.([]any)
	if !ok || len(values) == 0 {
		return false
	}
	for _, value := range values {
		if _, ok := value.(string); !ok {
			return false
		}
	}
	return true
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
