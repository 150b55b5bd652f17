package openapi

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

var pathParamPattern = regexp.MustCompile(`\{([a-zA-Z]+)\}`)

// Generate builds the OpenAPI 3.1 document of the HTTP API.
func Generate(baseURL, version string, routes []Route) *openapi3.T {
	if version == "" {
		version = "1.0.0"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "licensedesk API",
			Description: "License issuance, device binding and extension sessions.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Components.SecuritySchemes["webhookSecret"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-Webhook-Secret",
		},
	}

	// Every failure shares the envelope shape.
	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"success", "error"},
			Properties: openapi3.Schemas{
				"success": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"error":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		},
	}

	doc.Paths = openapi3.NewPaths()
	for _, rt := range routes {
		addRoute(doc, rt)
	}
	return doc
}

func addRoute(doc *openapi3.T, rt Route) {
	item := doc.Paths.Value(rt.Path)
	if item == nil {
		item = &openapi3.PathItem{}
		doc.Paths.Set(rt.Path, item)
	}

	status := rt.Status
	if status == 0 {
		status = http.StatusOK
	}
	op := &openapi3.Operation{
		Tags:        []string{rt.Tag},
		Summary:     rt.Summary,
		OperationID: rt.OperationID,
		Parameters:  parameters(rt),
		Responses:   newResponses(fmt.Sprint(status), rt.Summary, envelopeSchema(rt)),
	}
	switch rt.Security {
	case SecurityBearer:
		op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	case SecurityWebhook:
		op.Security = &openapi3.SecurityRequirements{{"webhookSecret": {}}}
	}
	if rt.Request != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchema(SchemaOf(rt.Request)),
			},
		}
	}
	item.SetOperation(rt.Method, op)
}

// parameters returns the path parameters named in rt.Path followed by the
// declared query parameters.
func parameters(rt Route) openapi3.Parameters {
	var params openapi3.Parameters
	for _, m := range pathParamPattern.FindAllStringSubmatch(rt.Path, -1) {
		params = append(params, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(m[1]).WithSchema(openapi3.NewStringSchema()),
		})
	}
	for _, q := range rt.Query {
		schema := openapi3.NewStringSchema()
		if q == "limit" || q == "offset" {
			schema = openapi3.NewIntegerSchema()
		}
		params = append(params, &openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter(q).WithSchema(schema),
		})
	}
	return params
}

// envelopeSchema wraps the response shape of rt in the success envelope.
func envelopeSchema(rt Route) *openapi3.SchemaRef {
	env := &openapi3.Schema{
		Type:     &openapi3.Types{"object"},
		Required: []string{"success"},
		Properties: openapi3.Schemas{
			"success": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
		},
	}
	if rt.Response == nil {
		return &openapi3.SchemaRef{Value: env}
	}
	data := SchemaOf(rt.Response)
	if rt.List {
		data = listSchema(data)
	}
	env.Properties["data"] = openapi3.NewSchemaRef("", data)
	return &openapi3.SchemaRef{Value: env}
}

// listSchema describes a page of items with its pagination metadata.
func listSchema(item *openapi3.Schema) *openapi3.Schema {
	integer := func(desc string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32", Description: desc}}
	}
	return &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: openapi3.Schemas{
			"resource": &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: openapi3.NewSchemaRef("", item)},
			},
			"count":  integer("Number of records in this page."),
			"limit":  integer("Maximum records returned per page."),
			"offset": integer("Number of records skipped."),
		},
	}
}

// newResponses builds a Responses map with a success response and the
// standard error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Delete("default")

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	for code, desc := range map[string]string{
		"400": "Bad request",
		"401": "Unauthorized",
		"403": "Forbidden",
		"404": "Not found",
		"409": "Conflict",
		"429": "Rate limited",
		"500": "Internal server error",
	} {
		d := desc
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

// Paths returns "METHOD path" for every operation in doc, for diffing route
// tables against the document.
func Paths(doc *openapi3.T) []string {
	var out []string
	for path, item := range doc.Paths.Map() {
		for method := range item.Operations() {
			out = append(out, strings.ToUpper(method)+" "+path)
		}
	}
	return out
}
