// Package config loads the AgentPay runtime configuration from a JSON file,
// then overlays values from a .env file and the process environment.
package config
