// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-optisync - Client-Side Realtime Sync Engine")
	fmt.Println("=================================================")
	fmt.Println()
	fmt.Println("go-optisync keeps a multi-tab admin console consistent: optimistic updates")
	fmt.Println("with rollback, retry and offline queues, cross-tab broadcast, per-field edit")
	fmt.Println("locks, conflict detection, and navigation-driven prefetch.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println()
	fmt.Println("   optisync  - the engine: operations, queues, locks, conflicts, prefetch")
	fmt.Println("   optirelay - websocket hub + channel client for cross-process sync")
	fmt.Println("   optihttp  - JSON gateway that turns REST endpoints into operations")
	fmt.Println("   optiprom  - Prometheus recorder and status collector")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🖥️  Console Demo (examples/consoledemo/)")
	fmt.Println("   Full walkthrough against an in-process fake backend and relay hub")
	fmt.Println("   Features: optimistic create, retry, offline replay, locks, conflicts, prefetch")
	fmt.Println("   Run: cd examples/consoledemo && go run .")
	fmt.Println()
}
