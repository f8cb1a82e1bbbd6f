// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 go-spsync - Offline-First SharePoint Sync Library")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-spsync keeps a local, queryable mirror of SharePoint lists with a durable")
	fmt.Println("outbox, watermark-based incremental pulls, and per-entity conflict policies.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 🧠 spsync - sync engine, facade client and configuration discovery")
	fmt.Println("   Features: outbox drain, incremental pull, ServerWins/ClientWins/Manual policies")
	fmt.Println()
	fmt.Println("2. 🗄️  spstore - local store backends (SQLite and PostgreSQL)")
	fmt.Println("   Features: mirror tables with system columns, change log, conflict log")
	fmt.Println()
	fmt.Println("3. 🌐 sprest - SharePoint REST connector")
	fmt.Println("   Features: form digest, cookie/bearer auth, paging, ETag concurrency")
	fmt.Println()
	fmt.Println("4. ⌨️  cmd/spsync - CLI harness")
	fmt.Println("   Run: go run ./cmd/spsync --help")
	fmt.Println()
}
