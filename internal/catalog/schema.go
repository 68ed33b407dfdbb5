package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	locationsSchema = jsonschema.MustCompileString("locations.schema.json", `{
	  "type": "object",
	  "required": ["base_id", "locations"],
	  "properties": {
	    "base_id": {"type": "integer", "minimum": 0},
	    "locations": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["location", "offset", "flag"],
	        "properties": {
	          "location": {"type": "string", "minLength": 1},
	          "offset": {"type": "integer", "minimum": 0},
	          "scene": {"type": "string"},
	          "flag": {"type": "string", "minLength": 1}
	        },
	        "additionalProperties": false
	      }
	    }
	  }
	}`)

	itemsSchema = jsonschema.MustCompileString("items.schema.json", `{
	  "type": "object",
	  "required": ["base_id", "items"],
	  "properties": {
	    "base_id": {"type": "integer", "minimum": 0},
	    "items": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["name", "offset"],
	        "properties": {
	          "name": {"type": "string", "minLength": 1},
	          "offset": {"type": "integer", "minimum": 0},
	          "kind": {"enum": ["item", "counter", "flag"]},
	          "var": {"type": "string"},
	          "amount": {"type": "integer"},
	          "saver": {"type": "string"},
	          "key": {"type": "string"}
	        },
	        "additionalProperties": false
	      }
	    }
	  }
	}`)
)

func validate(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
