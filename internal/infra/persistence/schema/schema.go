// Package schema embeds the DDL applied by the durable store backends.
package schema

import (
	"bufio"
	_ "embed"
	"strings"
)

//go:embed sqlite.sql
var sqliteDDL string

//go:embed postgres.sql
var postgresDDL string

// SQLite returns the SQLite DDL split into executable statements.
func SQLite() []string { return Split(sqliteDDL) }

// Postgres returns the Postgres DDL split into executable statements.
func Postgres() []string { return Split(postgresDDL) }

// Split breaks a semicolon-terminated script into statements, dropping blank
// lines and whole-line "--" comments.
func Split(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var (
		stmts   []string
		current strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
