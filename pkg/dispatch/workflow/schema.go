package workflow

import (
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://flowdispatch.dev/schemas/workflow.json"

const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowdispatch.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "chatConfig": {
      "type": "object",
      "properties": {
        "systemPrompt": { "type": "string" },
        "model": { "type": "string" },
        "timezone": { "type": "string" }
      }
    },
    "variables": { "type": "object" }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["nodeId", "flowNodeType"],
      "properties": {
        "nodeId": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "flowNodeType": { "type": "string", "minLength": 1 },
        "parentNodeId": { "type": "string" },
        "inputs": {
          "type": "array",
          "items": { "$ref": "#/$defs/input" }
        },
        "outputs": {
          "type": "array",
          "items": { "$ref": "#/$defs/output" }
        },
        "retryPolicy": { "$ref": "#/$defs/retry" },
        "catchError": { "type": "boolean" },
        "replaysFromHistory": { "type": "boolean" },
        "historyDepth": { "type": "integer", "minimum": 0 }
      }
    },
    "input": {
      "type": "object",
      "required": ["key"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "valueType": { "$ref": "#/$defs/valueType" },
        "value": {},
        "reference": {
          "type": "object",
          "required": ["nodeId", "key"],
          "properties": {
            "nodeId": { "type": "string", "minLength": 1 },
            "key": { "type": "string", "minLength": 1 }
          }
        },
        "required": { "type": "boolean" },
        "description": { "type": "string" }
      }
    },
    "output": {
      "type": "object",
      "required": ["key"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "valueType": { "$ref": "#/$defs/valueType" },
        "description": { "type": "string" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" },
        "target": { "type": "string", "minLength": 1 },
        "targetHandle": { "type": "string" }
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1 },
        "initialBackoff": { "type": "integer", "minimum": 0 },
        "maxBackoff": { "type": "integer", "minimum": 0 },
        "backoffFactor": { "type": "number", "minimum": 1 },
        "jitter": { "type": "number", "minimum": 0, "maximum": 1 }
      }
    },
    "valueType": {
      "type": "string",
      "enum": [
        "any", "string", "number", "boolean", "object",
        "arrayString", "arrayNumber", "arrayBoolean", "arrayObject", "arrayAny",
        "chatHistory", "datasetQuote"
      ]
    }
  }
}`

var documentSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		panic("workflow: unmarshal schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic("workflow: add schema resource: " + err.Error())
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic("workflow: compile schema: " + err.Error())
	}
	return s
}
