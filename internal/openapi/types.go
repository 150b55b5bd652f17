package openapi

import (
	"reflect"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// TypeMapping maps Go types to OpenAPI type/format pairs.
type TypeMapping struct {
	Type   string // OpenAPI type: string, integer, number, boolean, object, array
	Format string // OpenAPI format: int32, int64, float, double, date-time, etc.
}

var timeType = reflect.TypeOf(time.Time{})

// kindToOpenAPI maps scalar kinds to OpenAPI types.
var kindToOpenAPI = map[reflect.Kind]TypeMapping{
	reflect.Bool:    {"boolean", ""},
	reflect.Int:     {"integer", "int64"},
	reflect.Int8:    {"integer", "int32"},
	reflect.Int16:   {"integer", "int32"},
	reflect.Int32:   {"integer", "int32"},
	reflect.Int64:   {"integer", "int64"},
	reflect.Uint:    {"integer", "int64"},
	reflect.Uint8:   {"integer", "int32"},
	reflect.Uint16:  {"integer", "int32"},
	reflect.Uint32:  {"integer", "int64"},
	reflect.Uint64:  {"integer", "int64"},
	reflect.Float32: {"number", "float"},
	reflect.Float64: {"number", "double"},
	reflect.String:  {"string", ""},
	reflect.Slice:   {"array", ""},
	reflect.Array:   {"array", ""},
	reflect.Map:     {"object", ""},
	reflect.Struct:  {"object", ""},
}

// MapGoType converts a Go type to an OpenAPI type mapping. Pointers are
// dereferenced and time.Time maps to a date-time string. Falls back to
// {"string", ""} for kinds with no JSON form.
func MapGoType(t reflect.Type) TypeMapping {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return TypeMapping{"string", "date-time"}
	}
	if t.Kind() == reflect.Interface {
		return TypeMapping{"object", ""}
	}
	if m, ok := kindToOpenAPI[t.Kind()]; ok {
		return m
	}
	return TypeMapping{"string", ""}
}

// SchemaOf builds a schema from the JSON shape of v. Fields tagged
// `json:"-"` are skipped, embedded structs are flattened and fields carrying
// a `validate:"required..."` rule are listed as required.
func SchemaOf(v any) *openapi3.Schema {
	return schemaFor(reflect.TypeOf(v))
}

func schemaFor(t reflect.Type) *openapi3.Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	m := MapGoType(t)
	s := &openapi3.Schema{Type: &openapi3.Types{m.Type}, Format: m.Format}

	switch {
	case m.Type == "array":
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte marshals as base64.
			s.Type = &openapi3.Types{"string"}
			s.Format = "byte"
			return s
		}
		s.Items = openapi3.NewSchemaRef("", schemaFor(t.Elem()))
	case m.Type == "object" && t.Kind() == reflect.Map:
		s.AdditionalProperties = openapi3.AdditionalProperties{Schema: openapi3.NewSchemaRef("", schemaFor(t.Elem()))}
	case t.Kind() == reflect.Struct && t != timeType:
		s.Properties = openapi3.Schemas{}
		addFields(s, t)
	}
	return s
}

func addFields(s *openapi3.Schema, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omit := jsonName(f)
		if name == "-" {
			continue
		}
		if f.Anonymous && name == "" {
			ft := f.Type
			for ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				addFields(s, ft)
				continue
			}
		}
		if name == "" {
			name = f.Name
		}
		s.Properties[name] = openapi3.NewSchemaRef("", schemaFor(f.Type))
		if !omit && strings.HasPrefix(f.Tag.Get("validate"), "required") {
			s.Required = append(s.Required, name)
		}
	}
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return "", false
	}
	name, opts, _ := strings.Cut(tag, ",")
	return name, strings.Contains(opts, "omitempty")
}
