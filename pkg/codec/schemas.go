package codec

const schemaBase = "https://dsconnector.schemas.local/"

const ruleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["@type"],
  "properties": {
    "@id": {"type": "string"},
    "@type": {"enum": ["ids:Permission", "ids:Prohibition", "ids:Duty"]},
    "target": {"type": "string"},
    "action": {"type": "array", "items": {"type": "string"}},
    "constraint": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["leftOperand", "operator", "rightOperand"],
        "properties": {
          "leftOperand": {"type": "string", "minLength": 1},
          "operator": {"type": "string", "minLength": 1},
          "rightOperand": {
            "type": "object",
            "required": ["@value"],
            "properties": {"@value": {"type": "string"}, "@type": {"type": "string"}}
          },
          "pipEndpoint": {"type": "string"}
        }
      }
    },
    "preDuty": {"type": "array", "items": {"$ref": "#"}},
    "postDuty": {"type": "array", "items": {"$ref": "#"}}
  }
}`

const contractRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "@id": {"type": "string"},
    "rules": {"type": "array", "items": {"$ref": "rule.schema.json"}},
    "contractStart": {"type": "string"},
    "contractEnd": {"type": "string"},
    "consumer": {"type": "string"},
    "provider": {"type": "string"}
  }
}`

const contractAgreementSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["@id", "rules"],
  "properties": {
    "@id": {"type": "string", "minLength": 1},
    "requestId": {"type": "string"},
    "rules": {"type": "array", "items": {"$ref": "rule.schema.json"}},
    "consumer": {"type": "string"},
    "provider": {"type": "string"},
    "signature": {"type": "string"},
    "confirmed": {"type": "boolean"}
  }
}`

const resourceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["@id"],
  "properties": {
    "@id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "keyword": {"type": "array", "items": {"type": "string"}},
    "additional": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

const queryInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "params": {"type": "object", "additionalProperties": {"type": "string"}},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "pathVariables": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "additionalProperties": false
}`

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["@type"],
  "properties": {
    "@id": {"type": "string"},
    "@type": {"type": "string", "minLength": 1},
    "issuerConnector": {"type": "string"},
    "modelVersion": {"type": "string"},
    "recipientConnector": {"type": "array", "items": {"type": "string"}}
  }
}`
