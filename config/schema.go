package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schemaPath = "hangwatch.cue"

// schemaSource closes every section so misspelled keys are rejected instead
// of silently ignored.
const schemaSource = `
#Duration: =~ #"^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"#

#Config: {
	tracker?: {
		timeout?:           #Duration
		suspension_factor?: number & >1
	}
	foreground?: bool
	logging?: {
		level?:  "" | "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled"
		format?: "" | "json" | "text"
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: "" | "prometheus"
	}
	server?: {
		enabled?: bool
		listen?:  string
	}
	severity?: [...{
		name: string & != ""
		when: string & != ""
	}]
	workload?: {
		enabled?:  bool
		interval?: #Duration
		stall?:    #Duration
	}
	hot_reload?: bool
}
`

// Validate checks a decoded YAML document against the configuration schema.
func Validate(document map[string]interface{}) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename(schemaPath))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	definition := schema.LookupPath(cue.ParsePath("#Config"))
	if err := definition.Err(); err != nil {
		return fmt.Errorf("lookup schema definition: %w", err)
	}
	value := ctx.Encode(document)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := definition.Unify(value).Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
