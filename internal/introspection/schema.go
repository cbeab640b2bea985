package introspection

import "github.com/hanpama/fedgraph/internal/schema"

// extend returns a shallow copy of original carrying the introspection types
// and the __schema and __type root fields. Definitions already present, such
// as the ones the SDL prelude declares, are kept.
func extend(original *schema.Schema) *schema.Schema {
	ext := &schema.Schema{
		QueryType:        original.QueryType,
		MutationType:     original.MutationType,
		SubscriptionType: original.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(original.Types)+8),
		Directives:       original.Directives,
		Description:      original.Description,
	}
	for name, t := range original.Types {
		ext.Types[name] = t
	}
	for _, t := range []*schema.Type{
		schemaType(), typeType(), fieldType(), inputValueType(),
		enumValueType(), directiveType(), typeKindEnum(), directiveLocationEnum(),
	} {
		if ext.Types[t.Name] == nil {
			ext.Types[t.Name] = t
		}
	}

	q := ext.GetQueryType()
	if q == nil {
		return ext
	}
	cp := *q
	cp.Fields = append([]*schema.Field(nil), q.Fields...)
	if cp.Field("__schema") == nil {
		cp.Fields = append(cp.Fields, &schema.Field{
			Name:        "__schema",
			Description: "Access the current type schema of this server.",
			Type:        nonNull("__Schema"),
		})
	}
	if cp.Field("__type") == nil {
		cp.Fields = append(cp.Fields, &schema.Field{
			Name:        "__type",
			Description: "Request the type information of a single type.",
			Arguments:   []*schema.InputValue{{Name: "name", Type: nonNull("String")}},
			Type:        named("__Type"),
		})
	}
	ext.Types[cp.Name] = &cp
	return ext
}

func named(n string) *schema.TypeRef { return schema.NamedType(n) }

func nonNull(n string) *schema.TypeRef { return schema.NonNullType(schema.NamedType(n)) }

// listOf is [n!] and, when required, [n!]!.
func listOf(n string, required bool) *schema.TypeRef {
	l := schema.ListType(nonNull(n))
	if required {
		return schema.NonNullType(l)
	}
	return l
}

func object(name, description string, fields ...*schema.Field) *schema.Type {
	return &schema.Type{Name: name, Kind: schema.TypeKindObject, Description: description, Fields: fields}
}

func enum(name string, values ...string) *schema.Type {
	t := &schema.Type{Name: name, Kind: schema.TypeKindEnum}
	for _, v := range values {
		t.EnumValues = append(t.EnumValues, &schema.EnumValue{Name: v})
	}
	return t
}

func field(name string, typ *schema.TypeRef) *schema.Field {
	return &schema.Field{Name: name, Type: typ}
}

// withDeprecated adds the includeDeprecated argument to f.
func withDeprecated(f *schema.Field) *schema.Field {
	f.Arguments = append(f.Arguments, &schema.InputValue{
		Name:         "includeDeprecated",
		Type:         named("Boolean"),
		DefaultValue: false,
	})
	return f
}

func schemaType() *schema.Type {
	return object("__Schema", "A GraphQL Schema defines the capabilities of a GraphQL server.",
		field("description", named("String")),
		field("types", listOf("__Type", true)),
		field("queryType", nonNull("__Type")),
		field("mutationType", named("__Type")),
		field("subscriptionType", named("__Type")),
		field("directives", listOf("__Directive", true)),
	)
}

func typeType() *schema.Type {
	return object("__Type", "The fundamental unit of any GraphQL Schema is the type.",
		field("kind", nonNull("__TypeKind")),
		field("name", named("String")),
		field("description", named("String")),
		field("specifiedByURL", named("String")),
		withDeprecated(field("fields", listOf("__Field", false))),
		field("interfaces", listOf("__Type", false)),
		field("possibleTypes", listOf("__Type", false)),
		withDeprecated(field("enumValues", listOf("__EnumValue", false))),
		withDeprecated(field("inputFields", listOf("__InputValue", false))),
		field("ofType", named("__Type")),
		field("isOneOf", named("Boolean")),
	)
}

func fieldType() *schema.Type {
	return object("__Field", "",
		field("name", nonNull("String")),
		field("description", named("String")),
		withDeprecated(field("args", listOf("__InputValue", true))),
		field("type", nonNull("__Type")),
		field("isDeprecated", nonNull("Boolean")),
		field("deprecationReason", named("String")),
	)
}

func inputValueType() *schema.Type {
	return object("__InputValue", "",
		field("name", nonNull("String")),
		field("description", named("String")),
		field("type", nonNull("__Type")),
		field("defaultValue", named("String")),
		field("isDeprecated", nonNull("Boolean")),
		field("deprecationReason", named("String")),
	)
}

func enumValueType() *schema.Type {
	return object("__EnumValue", "",
		field("name", nonNull("String")),
		field("description", named("String")),
		field("isDeprecated", nonNull("Boolean")),
		field("deprecationReason", named("String")),
	)
}

func directiveType() *schema.Type {
	return object("__Directive", "",
		field("name", nonNull("String")),
		field("description", named("String")),
		field("isRepeatable", nonNull("Boolean")),
		field("locations", listOf("__DirectiveLocation", true)),
		withDeprecated(field("args", listOf("__InputValue", true))),
	)
}

func typeKindEnum() *schema.Type {
	return enum("__TypeKind", "SCALAR", "OBJECT", "INTERFACE", "UNION", "ENUM", "INPUT_OBJECT", "LIST", "NON_NULL")
}

func directiveLocationEnum() *schema.Type {
	return enum("__DirectiveLocation",
		"QUERY", "MUTATION", "SUBSCRIPTION", "FIELD", "FRAGMENT_DEFINITION", "FRAGMENT_SPREAD",
		"INLINE_FRAGMENT", "VARIABLE_DEFINITION", "SCHEMA", "SCALAR", "OBJECT", "FIELD_DEFINITION",
		"ARGUMENT_DEFINITION", "INTERFACE", "UNION", "ENUM", "ENUM_VALUE", "INPUT_OBJECT",
		"INPUT_FIELD_DEFINITION",
	)
}
