package tools

// Schema helpers for building JSON Schema definitions.

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Property creates a property of a JSON Schema type with a description.
func Property(typ, description string) map[string]any {
	p := map[string]any{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) map[string]any {
	p := Property("string", description)
	p["enum"] = values
	return p
}

// WithThought adds an optional thought parameter to an existing schema, so
// the model can say why it proposes the action. Thoughts are logged, never
// sent to backends.
func WithThought(schema map[string]any) map[string]any {
	result := make(map[string]any, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	props := map[string]any{}
	if existing, ok := result["properties"].(map[string]any); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["thought"] = Property("string", "Why this action answers the user's request.")
	result["properties"] = props
	return result
}

// Definition describes one action to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Schema builds the JSON Schema of a contract's fields.
func (c *Contract) Schema() map[string]any {
	props := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		typ := f.Type
		if typ == "" {
			typ = "string"
		}
		desc := f.Description
		if desc == "" {
			desc = f.Question
		}
		if len(f.Enum) > 0 {
			props[f.Name] = StringEnumProperty(desc, f.Enum...)
			continue
		}
		props[f.Name] = Property(typ, desc)
	}
	return WithThought(ObjectSchema(props, c.Required()...))
}

// Describe returns a definition for every registered action, sorted by name.
func (r *Registry) Describe() []Definition {
	defs := make([]Definition, 0, len(r.contracts))
	for _, name := range r.Actions() {
		c := r.contracts[name]
		defs = append(defs, Definition{
			Name:        c.Action,
			Description: c.Description,
			InputSchema: c.Schema(),
		})
	}
	return defs
}
