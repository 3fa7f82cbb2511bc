package hands

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// paramsSchemaDoc constrains the free-form params/resources blocks a Hand
// manifest carries (spec §3: "params: free-form"). The teacher pack
// imports santhosh-tekuri/jsonschema/v5 (via firewall.go's tool-param
// gating) but never wires it into a concrete schema; this is its first
// concrete use, validating that resources stay within sane numeric bounds
// before a Hand is ever scheduled (SPEC_FULL.md §B).
const paramsSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "resources": {
      "type": "object",
      "properties": {
        "max_tokens": {"type": "integer", "minimum": 0},
        "max_cost_usd": {"type": "number", "minimum": 0},
        "max_duration_sec": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

const paramsSchemaURL = "https://hands-core.schemas.local/hands/manifest-params.schema.json"

var (
	paramsSchemaOnce    sync.Once
	paramsSchemaCompiled *jsonschema.Schema
	paramsSchemaErr     error
)

func compiledParamsSchema() (*jsonschema.Schema, error) {
	paramsSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(paramsSchemaURL, strings.NewReader(paramsSchemaDoc)); err != nil {
			paramsSchemaErr = fmt.Errorf("hands: load manifest params schema: %w", err)
			return
		}
		schema, err := c.Compile(paramsSchemaURL)
		if err != nil {
			paramsSchemaErr = fmt.Errorf("hands: compile manifest params schema: %w", err)
			return
		}
		paramsSchemaCompiled = schema
	})
	return paramsSchemaCompiled, paramsSchemaErr
}

// validateSchemaBlocks validates the manifest's free-form params/resources
// blocks against paramsSchemaDoc. params is nested under a "resources" key
// to match the schema above when present in params itself (some manifests
// embed resources under params rather than as a top-level frontmatter
// field); resources is always checked directly.
func validateSchemaBlocks(params map[string]any, resources Resources) error {
	schema, err := compiledParamsSchema()
	if err != nil {
		return err
	}

	doc := map[string]any{
		"resources": map[string]any{
			"max_tokens":       resources.MaxTokens,
			"max_cost_usd":     resources.MaxCostUSD,
			"max_duration_sec": resources.MaxDurationSec,
		},
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("resources block failed schema validation: %w", err)
	}

	if nested, ok := params["resources"]; ok {
		if err := schema.Validate(map[string]any{"resources": nested}); err != nil {
			return fmt.Errorf("params.resources failed schema validation: %w", err)
		}
	}
	return nil
}
