// SPDX-License-Identifier: Apache-2.0

package validation

// Schema names accepted by Validator.Validate.
const (
	RunSubmit = "run-submit"
	Resume    = "resume"
	Initiate  = "initiate"
	StepCall  = "step-call"
	AutoRetry = "auto-retry"
)

var schemaDocs = map[string]string{
	RunSubmit: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1, "maxLength": 16000 },
    "run_id": { "type": "string" },
    "account_id": { "type": "string", "minLength": 1 },
    "session_id": { "type": "string", "minLength": 1 },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false
}`,

	Resume: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["thread_id", "run_id", "response"],
  "properties": {
    "thread_id": { "type": "string", "minLength": 1 },
    "run_id": { "type": "string", "minLength": 1 },
    "account_id": { "type": "string", "minLength": 1 },
    "response": {}
  },
  "additionalProperties": false
}`,

	Initiate: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ach_relationship_id"],
  "properties": {
    "ach_relationship_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,

	StepCall: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "ach_relationship_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,

	AutoRetry: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["enabled"],
  "properties": {
    "enabled": { "type": "boolean" }
  },
  "additionalProperties": false
}`,
}
