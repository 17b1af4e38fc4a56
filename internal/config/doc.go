// Package config provides centralized configuration management for the
// AgentFi runtime: the HTTP server, the settlement and compliance ledgers,
// the attestation channel, and the marketplace definitions file.
package config
