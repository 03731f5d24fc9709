package mutation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrUnknownKind is returned when a mutation kind is not in the
	// closed set of supported kinds. This is a programming error in
	// the caller, not a runtime condition to recover from.
	ErrUnknownKind = errors.New("unknown mutation kind")

	// ErrInvalidPayload is returned when a payload does not match the
	// schema for its kind.
	ErrInvalidPayload = errors.New("invalid mutation payload")
)

// Per-kind payload schemas. Field deltas are open objects with at least
// one member; identifiers are non-empty strings.
var payloadSchemaSources = map[Kind]string{
	KindCreateNote: `{
		"type": "object",
		"required": ["temp_id", "content"],
		"properties": {
			"temp_id": {"type": "string", "minLength": 1},
			"title":   {"type": "string"},
			"content": {"type": "string"},
			"tags":    {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindUpdateNote: `{
		"type": "object",
		"required": ["id", "fields"],
		"properties": {
			"id":     {"type": "string", "minLength": 1},
			"fields": {"type": "object", "minProperties": 1}
		}
	}`,
	KindDeleteNote: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`,
	KindUpdateProject: `{
		"type": "object",
		"required": ["id", "fields"],
		"properties": {
			"id":     {"type": "string", "minLength": 1},
			"fields": {"type": "object", "minProperties": 1}
		}
	}`,
	KindDeleteProject: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`,
	KindCreateList: `{
		"type": "object",
		"required": ["temp_id", "name"],
		"properties": {
			"temp_id": {"type": "string", "minLength": 1},
			"name":    {"type": "string", "minLength": 1}
		}
	}`,
	KindDeleteList: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`,
	KindAddListItem: `{
		"type": "object",
		"required": ["list_id", "temp_id", "text"],
		"properties": {
			"list_id":  {"type": "string", "minLength": 1},
			"temp_id":  {"type": "string", "minLength": 1},
			"text":     {"type": "string"},
			"position": {"type": "integer", "minimum": 0}
		}
	}`,
	KindDeleteListItem: `{
		"type": "object",
		"required": ["list_id", "item_id"],
		"properties": {
			"list_id": {"type": "string", "minLength": 1},
			"item_id": {"type": "string", "minLength": 1}
		}
	}`,
	KindUpdateListItem: `{
		"type": "object",
		"required": ["list_id", "item_id", "fields"],
		"properties": {
			"list_id": {"type": "string", "minLength": 1},
			"item_id": {"type": "string", "minLength": 1},
			"fields":  {"type": "object", "minProperties": 1}
		}
	}`,
	KindReorderListItems: `{
		"type": "object",
		"required": ["list_id", "item_ids"],
		"properties": {
			"list_id":  {"type": "string", "minLength": 1},
			"item_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`,
	KindUpdateArticle: `{
		"type": "object",
		"required": ["id", "fields"],
		"properties": {
			"id":     {"type": "string", "minLength": 1},
			"fields": {"type": "object", "minProperties": 1}
		}
	}`,
	KindDeleteArticle: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`,
}

// payloadSchemas holds the compiled schema per kind, built once at
// package init. The schema sources are constants, so a compile failure
// here is a build defect and panics.
var payloadSchemas = compilePayloadSchemas()

func compilePayloadSchemas() map[Kind]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for kind, src := range payloadSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("mutation: bad schema source for %s: %v", kind, err))
		}
		url := fmt.Sprintf("mem://mutation/%s.json", kind)
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("mutation: add schema for %s: %v", kind, err))
		}
	}
	schemas := make(map[Kind]*jsonschema.Schema, len(payloadSchemaSources))
	for kind := range payloadSchemaSources {
		url := fmt.Sprintf("mem://mutation/%s.json", kind)
		sch, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("mutation: compile schema for %s: %v", kind, err))
		}
		schemas[kind] = sch
	}
	return schemas
}

// ValidatePayload checks that payload matches the schema for kind.
func ValidatePayload(kind Kind, payload []byte) error {
	sch, ok := payloadSchemas[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrInvalidPayload, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return nil
}
