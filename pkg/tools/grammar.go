package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Schema is the subset of JSON Schema used for tool parameters. It drives
// both GBNF generation and parameter validation.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Const                any                `json:"const,omitempty"`
	OneOf                []*Schema          `json:"oneOf,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
	Description          string             `json:"description,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

// SchemaToGBNF converts a schema to a llama.cpp GBNF grammar. Every composite
// gets its own named rule so alternations never bleed into a sequence.
func SchemaToGBNF(schema *Schema) (string, error) {
	c := &schemaConverter{rules: make(map[string]string)}

	root, err := c.convert(schema, "root")
	if err != nil {
		return "", fmt.Errorf("convert schema: %w", err)
	}

	var sb strings.Builder
	if root == "root" {
		fmt.Fprintf(&sb, "root ::= %s\n", c.rules["root"])
	} else {
		fmt.Fprintf(&sb, "root ::= %s\n", root)
	}

	names := make([]string, 0, len(c.rules))
	for name := range c.rules {
		if name != "root" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "%s ::= %s\n", name, c.rules[name])
	}

	if c.needsWS {
		sb.WriteString("ws ::= [ \\t\\n\\r]*\n")
	}
	if c.needsString {
		sb.WriteString("string ::= \"\\\"\" ([^\"\\\\] | \"\\\\\" [\"\\\\/bfnrt] | \"\\\\u\" [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F])* \"\\\"\"\n")
	}
	if c.needsNumber {
		sb.WriteString("number ::= \"-\"? ([0-9] | [1-9] [0-9]*) (\".\" [0-9]+)? ([eE] [+-]? [0-9]+)?\n")
	}
	if c.needsInteger {
		sb.WriteString("integer ::= \"-\"? ([0-9] | [1-9] [0-9]*)\n")
	}
	if c.needsBoolean {
		sb.WriteString("boolean ::= \"true\" | \"false\"\n")
	}
	if c.needsNull {
		sb.WriteString("null ::= \"null\"\n")
	}

	return sb.String(), nil
}

type schemaConverter struct {
	rules        map[string]string
	needsWS      bool
	needsString  bool
	needsNumber  bool
	needsInteger bool
	needsBoolean bool
	needsNull    bool
}

var nonRuleChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// ruleName joins parts into a name llama.cpp accepts: letters, digits, dashes.
func ruleName(parts ...string) string {
	name := strings.Join(parts, "-")
	name = nonRuleChars.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

func (c *schemaConverter) define(name, body string) string {
	c.rules[name] = body
	return name
}

func (c *schemaConverter) convert(schema *Schema, name string) (string, error) {
	if schema == nil {
		c.needsNull = true
		return "null", nil
	}

	if schema.Const != nil {
		return literalFor(schema.Const)
	}
	if len(schema.Enum) > 0 {
		return c.convertEnum(schema.Enum, name)
	}
	if len(schema.OneOf) > 0 {
		return c.convertOneOf(schema.OneOf, name)
	}

	switch schema.Type {
	case "object":
		return c.convertObject(schema, name)
	case "array":
		return c.convertArray(schema, name)
	case "string":
		c.needsString = true
		return "string", nil
	case "number":
		c.needsNumber = true
		return "number", nil
	case "integer":
		c.needsInteger = true
		return "integer", nil
	case "boolean":
		c.needsBoolean = true
		return "boolean", nil
	case "null":
		c.needsNull = true
		return "null", nil
	case "":
		return c.convertAnyValue(), nil
	default:
		return "", fmt.Errorf("unsupported schema type %q", schema.Type)
	}
}

// literalFor renders a JSON value as a GBNF string literal.
func literalFor(val any) (string, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`"%s"`, escapeGBNF(string(data))), nil
}

func (c *schemaConverter) convertEnum(values []any, name string) (string, error) {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		part, err := literalFor(v)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return c.define(name, strings.Join(parts, " | ")), nil
}

func (c *schemaConverter) convertOneOf(schemas []*Schema, name string) (string, error) {
	parts := make([]string, 0, len(schemas))
	for i, s := range schemas {
		part, err := c.convert(s, ruleName(name, fmt.Sprintf("opt%d", i)))
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return c.define(name, strings.Join(parts, " | ")), nil
}

func (c *schemaConverter) convertObject(schema *Schema, name string) (string, error) {
	c.needsWS = true

	if len(schema.Properties) == 0 {
		return c.define(name, `"{" ws "}"`), nil
	}

	requiredSet := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		requiredSet[r] = true
	}

	props := make([]string, 0, len(schema.Properties))
	for p := range schema.Properties {
		props = append(props, p)
	}
	sort.Strings(props)

	var required, optional []string
	for _, p := range props {
		valueRule, err := c.convert(schema.Properties[p], ruleName(name, p))
		if err != nil {
			return "", err
		}
		member := fmt.Sprintf(`"\"%s\"" ws ":" ws %s`, escapeGBNF(p), valueRule)
		if requiredSet[p] {
			required = append(required, member)
		} else {
			optional = append(optional, member)
		}
	}

	var inner string
	if len(required) > 0 {
		inner = strings.Join(required, ` ws "," ws `)
		for _, m := range optional {
			inner += fmt.Sprintf(` (ws "," ws %s)?`, m)
		}
	} else {
		// Optional members can only be emitted in order; a later member
		// requires the earlier ones.
		tail := ""
		for i := len(optional) - 1; i > 0; i-- {
			tail = fmt.Sprintf(`(ws "," ws %s%s)?`, optional[i], spaced(tail))
		}
		inner = fmt.Sprintf("(%s%s)?", optional[0], spaced(tail))
	}

	return c.define(name, fmt.Sprintf(`"{" ws %s ws "}"`, inner)), nil
}

func (c *schemaConverter) convertArray(schema *Schema, name string) (string, error) {
	c.needsWS = true

	minItems, maxItems := 0, -1
	if schema.MinItems != nil {
		minItems = *schema.MinItems
	}
	if schema.MaxItems != nil {
		maxItems = *schema.MaxItems
	}
	if maxItems == 0 {
		return c.define(name, `"[" ws "]"`), nil
	}
	if maxItems > 0 && minItems > maxItems {
		return "", fmt.Errorf("array %s: minItems %d exceeds maxItems %d", name, minItems, maxItems)
	}

	var item string
	if schema.Items != nil {
		var err error
		item, err = c.convert(schema.Items, ruleName(name, "item"))
		if err != nil {
			return "", err
		}
	} else {
		item = c.convertAnyValue()
	}

	head := minItems
	if head < 1 {
		head = 1
	}
	seq := make([]string, 0, head)
	for i := 0; i < head; i++ {
		seq = append(seq, item)
	}
	inner := strings.Join(seq, ` ws "," ws `)

	if maxItems < 0 {
		inner += fmt.Sprintf(` (ws "," ws %s)*`, item)
	} else {
		tail := ""
		for i := head; i < maxItems; i++ {
			tail = fmt.Sprintf(`(ws "," ws %s%s)?`, item, spaced(tail))
		}
		inner += spaced(tail)
	}

	if minItems == 0 {
		inner = "(" + inner + ")?"
	}
	return c.define(name, fmt.Sprintf(`"[" ws %s ws "]"`, inner)), nil
}

func (c *schemaConverter) convertAnyValue() string {
	c.needsString = true
	c.needsNumber = true
	c.needsBoolean = true
	c.needsNull = true
	c.needsWS = true

	if _, exists := c.rules["value"]; !exists {
		c.rules["value"] = `object | array | string | number | boolean | null`
		c.rules["object"] = `"{" ws (string ws ":" ws value (ws "," ws string ws ":" ws value)*)? ws "}"`
		c.rules["array"] = `"[" ws (value (ws "," ws value)*)? ws "]"`
	}
	return "value"
}

func spaced(s string) string {
	if s == "" {
		return ""
	}
	return " " + s
}

func escapeGBNF(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}

var ruleLine = regexp.MustCompile(`^([a-zA-Z0-9-]+)\s*::=\s*(.*)$`)

// CheckGBNF parses a grammar far enough to catch malformed rules, unbalanced
// literals, duplicate definitions and references to undefined rules.
func CheckGBNF(grammar string) error {
	defined := make(map[string]bool)
	referenced := make(map[string]bool)

	for i, line := range strings.Split(grammar, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := ruleLine.FindStringSubmatch(line)
		if m == nil {
			return fmt.Errorf("line %d: expected `name ::= body`", i+1)
		}
		if defined[m[1]] {
			return fmt.Errorf("line %d: rule %q defined twice", i+1, m[1])
		}
		defined[m[1]] = true

		refs, err := scanRefs(m[2])
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		for _, r := range refs {
			referenced[r] = true
		}
	}

	if !defined["root"] {
		return fmt.Errorf("grammar has no root rule")
	}

	var missing []string
	for r := range referenced {
		if !defined[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("undefined rules: %s", strings.Join(missing, ", "))
	}
	return nil
}

// scanRefs returns the rule names referenced by a rule body.
func scanRefs(body string) ([]string, error) {
	var refs []string
	depth := 0
	rs := []rune(body)

	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; {
		case r == '"' || r == '[':
			closer := '"'
			if r == '[' {
				closer = ']'
			}
			j := i + 1
			for ; j < len(rs) && rs[j] != closer; j++ {
				if rs[j] == '\\' {
					j++
				}
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated %q at offset %d", string(r), i)
			}
			i = j
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ')' at offset %d", i)
			}
		case r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			j := i
			for j < len(rs) && (rs[j] == '-' || rs[j] >= 'a' && rs[j] <= 'z' || rs[j] >= 'A' && rs[j] <= 'Z' || rs[j] >= '0' && rs[j] <= '9') {
				j++
			}
			refs = append(refs, string(rs[i:j]))
			i = j - 1
		case r == '|' || r == '*' || r == '+' || r == '?' || r == ' ' || r == '\t':
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", string(r), i)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '('")
	}
	return refs, nil
}

// SelectionSchema is the schema of a selection response: either the
// invalid-tool marker or a list of up to maxTools calls to the given tools.
func SelectionSchema(descs []Descriptor, maxTools int) *Schema {
	invalid := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"id":         {Const: InvalidToolID},
			"parameters": {Type: "array", MaxItems: intPtr(0)},
		},
		Required: []string{"id", "parameters"},
	}
	if len(descs) == 0 {
		return invalid
	}

	calls := make([]*Schema, 0, len(descs))
	for _, d := range descs {
		calls = append(calls, callSchema(d))
	}

	list := &Schema{
		Type:     "array",
		Items:    &Schema{OneOf: calls},
		MinItems: intPtr(1),
	}
	if maxTools > 0 {
		list.MaxItems = intPtr(maxTools)
	}
	return &Schema{OneOf: []*Schema{invalid, list}}
}

func callSchema(d Descriptor) *Schema {
	params := &Schema{Type: "array", MaxItems: intPtr(len(d.Parameters))}
	if len(d.Parameters) > 0 {
		entries := make([]*Schema, 0, len(d.Parameters))
		for _, p := range d.Parameters {
			entries = append(entries, &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"name":  {Const: p.Name},
					"value": valueSchema(p),
				},
				Required: []string{"name", "value"},
			})
		}
		params.Items = &Schema{OneOf: entries}
	}

	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"id":         {Const: d.ID},
			"parameters": params,
		},
		Required: []string{"id", "parameters"},
	}
}

func valueSchema(p ParameterSpec) *Schema {
	t := string(p.Type)
	if t == "" {
		t = string(TypeString)
	}
	return &Schema{
		Type:        t,
		Enum:        p.Enum,
		Minimum:     p.Minimum,
		Maximum:     p.Maximum,
		Description: p.Description,
	}
}

// ParametersSchema describes the parameters of a tool as a JSON object keyed
// by parameter name, for validation.
func ParametersSchema(d Descriptor) *Schema {
	s := &Schema{
		Type:                 "object",
		Properties:           make(map[string]*Schema, len(d.Parameters)),
		AdditionalProperties: boolPtr(false),
	}
	for _, p := range d.Parameters {
		s.Properties[p.Name] = valueSchema(p)
		if !p.Optional {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}
