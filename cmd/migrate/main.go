// Command migrate applies the schema in migrations/ with goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # apply pending migrations
//	go run ./cmd/migrate down            # roll back the last one
//	go run ./cmd/migrate status          # list applied / pending
//	go run ./cmd/migrate up-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	cmd := os.Args[1]
	if err := goose.RunContext(context.Background(), cmd, db, "migrations", os.Args[2:]...); err != nil {
		log.Fatalf("goose %s: %v", cmd, err)
	}
}
