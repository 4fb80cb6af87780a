package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/apperr"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/render"
)

// Request is a client's ask for one export.
type Request struct {
	Type           string         `json:"type"`
	Format         string         `json:"format"`
	Template       string         `json:"template,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
	IdempotencyKey string         `json:"-"`
}

const requestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "format"],
  "additionalProperties": false,
  "properties": {
    "type": {"type": "string", "minLength": 1, "maxLength": 64},
    "format": {"type": "string", "minLength": 1, "maxLength": 16},
    "template": {"type": "string", "maxLength": 64, "pattern": "^[a-z0-9_-]*$"},
    "filters": {
      "type": "object",
      "maxProperties": 16,
      "additionalProperties": {"type": "string", "maxLength": 128}
    }
  }
}`

var requestSchema = mustSchema(requestSchemaJSON)

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("export request schema: %v", err))
	}
	return schema
}

var supportedFormats = map[string]bool{
	models.FormatJSON: true,
	models.FormatPDF:  true,
	models.FormatXLSX: true,
}

var layouts = render.Default()

// DecodeRequest validates a raw JSON body against the request schema and
// the report catalog. Failures are InvalidRequest errors.
func DecodeRequest(body []byte) (Request, error) {
	result, err := requestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Request{}, apperr.InvalidRequest("request body is not valid JSON").Wrap(err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return Request{}, apperr.InvalidRequest("invalid request: " + strings.Join(msgs, "; "))
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, apperr.InvalidRequest("request body is not valid JSON").Wrap(err)
	}
	return req, req.Validate()
}

// Validate checks format, template, report type and filters.
func (r Request) Validate() error {
	if !supportedFormats[r.Format] {
		return apperr.InvalidRequest(fmt.Sprintf("unsupported format %q, expected json, pdf or xlsx", r.Format))
	}
	if !layouts.HasTemplate(r.Format, r.Template) {
		return apperr.InvalidRequest(fmt.Sprintf("unknown template %q for format %s", r.Template, r.Format))
	}
	kind, ok := datasource.Lookup(r.Type)
	if !ok {
		return apperr.InvalidRequest(fmt.Sprintf("unknown report type %q, expected one of %s", r.Type, strings.Join(datasource.Kinds(), ", ")))
	}
	if err := kind.ValidateFilters(r.Filters); err != nil {
		return apperr.InvalidRequest(err.Error())
	}
	return nil
}

// Parameters freezes the request into the job's immutable parameters.
func (r Request) Parameters() models.Parameters {
	return models.Parameters{
		Type:     r.Type,
		Format:   r.Format,
		Template: r.Template,
		Filters:  r.Filters,
	}
}
