package sqlstore

import (
	"strconv"
	"strings"

	// Database drivers.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect struct {
	name       string
	driverName string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite":   {name: "sqlite", driverName: "sqlite"},
	"postgres": {name: "postgres", driverName: "postgres", numbered: true},
}

func (d dialect) placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// rebind rewrites ? placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteDSN enables foreign keys and a busy timeout on top of the caller's DSN.
// Each pragma must be prefixed with `_pragma=` for modernc.org/sqlite.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)"
	if !strings.Contains(dsn, "busy_timeout") {
		dsn += "&_pragma=busy_timeout(10000)"
	}
	return dsn
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_us BIGINT NOT NULL,
		updated_us BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_us BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_us)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations (updated_us)`,
}
