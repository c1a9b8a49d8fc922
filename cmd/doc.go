// Package cmd provides the commands of the secure aggregation coordinator.
//
// # Commands
//
// coordinator: Runs the round state machine behind the participant HTTP API.
// Rounds are persisted in memory or in PostgreSQL.
//
//	go run ./cmd/coordinator --config=coordinator.yaml
//	go run ./cmd/coordinator --store=postgres --postgres-dsn=postgres://localhost/secagg
//
// simulate: Drives a running coordinator with simulated participants.
//
//	go run ./cmd/simulate run --coordinator=http://localhost:8080 --participants=200
//	go run ./cmd/simulate status --coordinator=http://localhost:8080
//
// # HTTP Configuration Mode
//
// The coordinator command supports waiting for configuration via HTTP POST,
// useful for deployments where configuration is provided after boot:
//
//	go run ./cmd/coordinator --wait-config --addr=:8080
//	curl -X POST http://localhost:8080/config --data-binary @coordinator.yaml
package cmd
