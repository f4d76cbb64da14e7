// Command migrations applies the database schema with goose.
//
//	go run ./infra/migrations up
package main

import (
	"database/sql"
	"embed"
	"os"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/config"
	"github.com/timour/marketplace-fulfillment/common/logger"
)

//go:embed *.sql
var migrations embed.FS

func main() {
	log := logger.New("migrations")
	defer log.Sync()

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	db, err := sql.Open("postgres", config.MustGetEnv("DATABASE_URL"))
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal("failed to set dialect", zap.Error(err))
	}

	if err := goose.Run(command, db, ".", os.Args[2:]...); err != nil {
		log.Fatal("migration failed",
			zap.String("command", command),
			zap.Error(err),
		)
	}
	log.Info("migrations done", zap.String("command", command))
}
