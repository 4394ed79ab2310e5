// Package config loads runtime configuration from defaults, environment
// variables (including those set by the App Engine runtime), YAML files and
// CLI flags, with precedence CLI flags > <env>.yaml > default.yaml >
// environment variables > defaults. Each section is the configuration type
// of the package it configures, so the loaded Config can be handed out
// piecewise. SECRET(name) values are resolved separately by ResolveSecrets.
package config
