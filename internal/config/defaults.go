package config

// GetDefaultConfigTemplate returns a commented config template.
func GetDefaultConfigTemplate() string {
	return `# chemflow configuration
# Environment variables override these values: CHEMFLOW_<KEY>, e.g. CHEMFLOW_API_KEY

# Generation service
generator: http                       # http | mock (offline placeholders)
endpoint: http://127.0.0.1:8700/v1/generate
provider: ""
model: ""
# api_key: prefer the CHEMFLOW_API_KEY environment variable

# State
state_dir: .chemflow/state            # Auto-save, history and lock files
store: file                           # file | sqlite
stages_file: ""                       # Optional YAML stage table override

# Logs
max_history_entries: 500              # history.yaml entries to retain (0 = unlimited)
max_audit_entries: 1000               # In-memory audit entries (0 = unlimited)

# HTTP API
server_addr: 127.0.0.1:8080
debug: false
`
}

// GetDefaults returns the default configuration values.
func GetDefaults() map[string]interface{} {
	return map[string]interface{}{
		"generator":           GeneratorHTTP,
		"endpoint":            "http://127.0.0.1:8700/v1/generate",
		"provider":            "",
		"model":               "",
		"api_key":             "",
		"state_dir":           ".chemflow/state",
		"store":               "file",
		"stages_file":         "",
		"max_history_entries": 500,
		"max_audit_entries":   1000,
		"server_addr":         "127.0.0.1:8080",
		"debug":               false,
	}
}
