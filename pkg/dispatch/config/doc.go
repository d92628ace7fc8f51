/*
Package config reads engine settings from YAML or JSON files.

# Overview

Config wraps a decoded document and provides typed accessor methods that
return a default when a key is missing or holds the wrong type. Keys are
dotted paths into nested sections:

	cfg, err := config.Load("flowdispatch.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	timeout := cfg.Duration("engine.node_timeout", time.Minute)
	model := cfg.String("openai.default_model", "gpt-4o-mini")

# Settings

Settings maps a document onto the engine's knobs:

	engine:
	  max_run_times: 200
	  fan_out: 4
	  node_timeout: 60s
	  history_depth: 30
	stream:
	  buffer: 64
	pricing:
	  gpt-4o-mini: {input_per_1k: 0.15, output_per_1k: 0.6}
	openai:
	  base_url: https://api.openai.com/v1
	  api_key_env: OPENAI_API_KEY
	  default_model: gpt-4o-mini
	storage:
	  history_dsn: ./history.db
	  ledger_dsn: ./billing.db

	settings := config.SettingsFrom(cfg)
	engine := dispatch.NewEngine(nodes.NewRegistry(), settings.EngineOptions()...)

# Type Coercion

Duration accepts time.ParseDuration strings or a number of seconds. Int
accepts whole floats (JSON numbers) but rejects fractions.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
