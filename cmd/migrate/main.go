package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"ally-api/internal/shared"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "Directory holding *.sql migrations")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("Failed init logger")
	}
	log := logger.Sugar()

	DSN, err := shared.SafeEnv("DSN")
	if err != nil {
		log.Fatalw("DSN environment variable is required", "error", err)
	}

	// Single file or every file in the directory, applied in name order
	files := flag.Args()
	if len(files) == 0 {
		files, err = filepath.Glob(filepath.Join(*dir, "*.sql"))
		if err != nil {
			log.Fatalw("Failed listing migrations", "dir", *dir, "error", err)
		}
		slices.Sort(files)
	}
	if len(files) == 0 {
		log.Fatalw("No migrations found", "dir", *dir)
	}

	db, err := sql.Open("mysql", DSN)
	if err != nil {
		log.Fatalw("Error connecting to database", "error", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalw("Error pinging database", "error", err)
	}

	for _, file := range files {
		n, err := apply(db, file)
		if err != nil {
			log.Fatalw("Migration failed", "file", file, "error", err)
		}
		log.Infow("Applied migration", "file", file, "statements", n)
	}
	fmt.Println("Migration completed successfully!")
}

func apply(db *sql.DB, path string) (int, error) {
	migrationSQL, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, stmt := range splitStatements(string(migrationSQL)) {
		if _, err := db.Exec(stmt); err != nil {
			return applied, fmt.Errorf("%w\nstatement: %s", err, stmt)
		}
		applied++
	}
	return applied, nil
}

// splitStatements drops -- comment lines and splits on semicolons
func splitStatements(src string) []string {
	var cleanLines []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cleanLines = append(cleanLines, line)
	}

	var statements []string
	for _, stmt := range strings.Split(strings.Join(cleanLines, "\n"), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
