// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the quorum orchestrator daemon.
//
// quorumd coordinates queries across multiple local LLM backends,
// selecting among execution strategies (simple, two-stage refinement,
// council consensus, council debate, benchmark) and combining their
// outputs into a single answer.
//
// Usage:
//
//	./quorumd
//
// Environment Variables:
//
//	QUORUM_CONFIG - path to the YAML configuration file (optional)
//	QUORUM_LISTEN_ADDR - HTTP bind address (default :8080)
//	QUORUM_DEFAULT_MODE - query mode when a request names none
//	QUORUM_RETRIEVAL_ENDPOINT - retrieval service base URL (optional)
//	QUORUM_AUDIT_DATABASE_URL - Postgres audit database (optional)
package main

import (
	"quorum/orchestrator"
)

func main() {
	orchestrator.Run()
}
