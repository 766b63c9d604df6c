package main

import (
	"errors"
	"flag"
	"log"

	"coupon_tracker/internal/pkg/config"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	dir := flag.String("path", "migrations", "migrations directory")
	down := flag.Bool("down", false, "roll back all migrations")
	force := flag.Int("force", -1, "force version (clears dirty state) before migrating")
	flag.Parse()

	config.LoadConfig()

	m, err := migrate.New("file://"+*dir, config.GlobalConfig.Database.URL())
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	// 处于 dirty 状态时需要人工确认版本后强制修复
	if *force >= 0 {
		log.Printf("Forcing version %d...", *force)
		if err := m.Force(*force); err != nil {
			log.Fatal("Failed to force version:", err)
		}
	}

	if *down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal(err)
	}

	version, dirty, _ := m.Version()
	log.Printf("Migration successful, version=%d dirty=%v", version, dirty)
}
