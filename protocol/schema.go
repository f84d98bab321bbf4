package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const commandSchemaTemplate = `{
	"type": "object",
	"required": ["pi", "event_type"],
	"properties": {
		"pi": {"type": "integer"},
		"event_type": {"enum": [%s]},
		"payload": {"type": ["object", "null"]}
	}
}`

const swupdateSchema = `{
	"type": "object",
	"required": ["pi", "event_type", "version", "payload"],
	"properties": {
		"pi": {"type": "integer"},
		"event_type": {"enum": ["Swupdate", "SwupdateRollback"]},
		"version": {"type": "string"},
		"payload": {
			"type": "object",
			"properties": {
				"swu_url": {"type": "string"},
				"version": {"type": "string"},
				"version_id": {"type": "string"},
				"version_group": {"type": "string"}
			}
		}
	}
}`

const connectCloudAccountSchema = `{
	"type": "object",
	"required": ["email", "api_token", "api_uri"],
	"properties": {
		"email": {"type": "string"},
		"api_token": {"type": "string", "minLength": 1},
		"api_uri": {"type": "string", "minLength": 1}
	}
}`

const unitSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1}
	}
}`

const unitFilesSchema = `{
	"type": "object",
	"required": ["files"],
	"properties": {
		"files": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const formatEnum = `{"enum": ["ini", "json", "toml", "yaml"]}`

const settingsLoadSchema = `{
	"type": "object",
	"required": ["format"],
	"properties": {
		"format": ` + formatEnum + `
	}
}`

const settingsApplySchema = `{
	"type": "object",
	"required": ["data", "parent_commit", "format"],
	"properties": {
		"data": {"type": "string"},
		"parent_commit": {"type": "string"},
		"format": ` + formatEnum + `
	}
}`

const settingsRevertSchema = `{
	"type": "object",
	"required": ["commit"],
	"properties": {
		"commit": {"type": "string", "minLength": 1}
	}
}`

func commandSchema(eventTypes ...string) string {
	quoted := make([]string, len(eventTypes))
	for i, et := range eventTypes {
		quoted[i] = `"` + et + `"`
	}
	return fmt.Sprintf(commandSchemaTemplate, strings.Join(quoted, ", "))
}

// mustSchema compiles a built-in schema. The schemas are constants, so a
// failure here is a programming error.
func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: invalid built-in schema: %v", err))
	}
	return schema
}

// validate checks data against schema and folds every violation into one error
func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
