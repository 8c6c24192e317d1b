// Command migrate applies or rolls back the gateway's Postgres schema.
//
// Usage:
//
//	migrate -dsn postgres://... up
//	migrate -dsn postgres://... down
//	migrate -dsn postgres://... version
//
// The DSN can also be supplied via the DATABASE_URL environment variable.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

//go:generate echo "migrations live in internal/store/migrations"

func main() {
	var dsn string
	flag.StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.Parse()

	if dsn == "" {
		log.Fatal("migrate: -dsn or DATABASE_URL is required")
	}
	if flag.NArg() != 1 {
		log.Fatal("migrate: expected exactly one of: up, down, version")
	}

	m, err := migrate.New("file://internal/store/migrations", dsn)
	if err != nil {
		log.Fatalf("migrate: open: %v", err)
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
		v, dirty, vErr := m.Version()
		if vErr != nil {
			log.Fatalf("migrate: version: %v", vErr)
		}
		fmt.Printf("version=%d dirty=%v\n", v, dirty)
		return
	default:
		log.Fatalf("migrate: unknown command %q", flag.Arg(0))
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migrate: %s: %v", flag.Arg(0), err)
	}
	fmt.Println("migrate: ok")
}
