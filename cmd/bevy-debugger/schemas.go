package main

import "encoding/json"

// Tool parameter schemas (spec §4.2). Kept permissive on fields the
// handler packages default themselves, required only where a missing
// value makes the request meaningless.
var (
	schemaObserve = rawSchema(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"diff": {"type": "boolean"},
			"reflection": {"type": "boolean"},
			"limit": {"type": "integer", "minimum": 1},
			"format": {"type": "string"}
		},
		"required": ["query"]
	}`)

	schemaExperiment = rawSchema(`{
		"type": "object",
		"properties": {
			"experiment_type": {"type": "string"},
			"params": {"type": "object"},
			"duration_s": {"type": "integer", "minimum": 0},
			"iterations": {"type": "integer", "minimum": 0}
		},
		"required": ["experiment_type"]
	}`)

	schemaHypothesis = rawSchema(`{
		"type": "object",
		"properties": {
			"hypothesis": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"test_duration_s": {"type": "integer", "minimum": 0},
			"sample_size": {"type": "integer", "minimum": 0}
		},
		"required": ["hypothesis"]
	}`)

	schemaStress = rawSchema(`{
		"type": "object",
		"properties": {
			"test_type": {"type": "string"},
			"intensity": {"type": "number"},
			"duration_s": {"type": "integer", "minimum": 0},
			"incremental": {"type": "boolean"},
			"safety_limits": {"type": "object"}
		},
		"required": ["test_type"]
	}`)

	schemaReplay = rawSchema(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["record", "replay", "stop", "analyze", "compare"]},
			"checkpoint_id": {"type": "string"},
			"speed_multiplier": {"type": "number"},
			"start_frame": {"type": "integer", "minimum": 0},
			"end_frame": {"type": "integer", "minimum": 0},
			"params": {"type": "object"}
		},
		"required": ["action"]
	}`)

	schemaAnomaly = rawSchema(`{
		"type": "object",
		"properties": {
			"detection_type": {"type": "string"},
			"sensitivity": {"type": "number", "minimum": 0, "maximum": 1},
			"window_size": {"type": "integer", "minimum": 1},
			"baseline_period_s": {"type": "integer", "minimum": 0}
		}
	}`)

	schemaScreenshot = rawSchema(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"warmup_ms": {"type": "integer", "minimum": 0},
			"capture_delay_ms": {"type": "integer", "minimum": 0},
			"wait_for_render": {"type": "boolean"},
			"description": {"type": "string"}
		},
		"required": ["path"]
	}`)

	schemaDebug = rawSchema(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"params": {},
			"priority": {"type": "string"}
		},
		"required": ["command"]
	}`)

	schemaOrchestrate = rawSchema(`{
		"type": "object",
		"properties": {
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"kind": {"type": "string"},
						"params": {},
						"save_as": {"type": "string"},
						"mutating": {"type": "boolean"},
						"if_found": {"type": "string"},
						"if_not_found": {"type": "string"}
					},
					"required": ["name", "kind"]
				}
			}
		},
		"required": ["steps"]
	}`)
)

func rawSchema(s string) json.RawMessage {
	return json.RawMessage(s)
}
