package docsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const frameSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"update": {"type": "string"},
		"documentId": {"type": "string"}
	},
	"if": {"properties": {"type": {"const": "sync-update"}}},
	"then": {"required": ["update", "documentId"]}
}`

var frameSchema = mustCompileFrameSchema()

func mustCompileFrameSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse frame schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("relaydoc-frame.json", doc); err != nil {
		panic(fmt.Sprintf("add frame schema: %v", err))
	}
	sch, err := c.Compile("relaydoc-frame.json")
	if err != nil {
		panic(fmt.Sprintf("compile frame schema: %v", err))
	}
	return sch
}

// DecodeFrame parses and validates one inbound frame.
func DecodeFrame(data []byte) (Message, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := frameSchema.Validate(inst); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}

func EncodeFrame(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
