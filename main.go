// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/apptrackit/trackit-sync/measure"
)

func main() {
	fmt.Println("🚀 trackit-sync - Offline-First Body Measurement Sync")
	fmt.Println("=====================================================")
	fmt.Println()
	fmt.Println("trackit-sync records measurements on the device, queues every change durably")
	fmt.Println("and reconciles with the metrics backend whenever the network allows.")
	fmt.Println()

	fmt.Println("📏 Synced measurement kinds:")
	for _, k := range measure.SyncKinds {
		id, _ := k.RemoteTypeID()
		fmt.Printf("   %2d  %-9s %s\n", id, k, k.Unit())
	}
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Metrics Server (examples/metrics_server/)")
	fmt.Println("   Reference backend: JWT auth, per-user entries, PostgreSQL or in-memory storage")
	fmt.Println("   Run: go run ./examples/metrics_server -db $DATABASE_URL")
	fmt.Println()

	fmt.Println("2. 📱 Device Client (examples/device_client/)")
	fmt.Println("   Offline-first CLI: local SQLite store, operation queue, background sync")
	fmt.Println("   Features: health export import, live status feed over WebSocket")
	fmt.Println("   Run: go run ./examples/device_client --user alice record weight 78.3")
	fmt.Println()
}
