package migration

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// tableDef is a parsed CREATE TABLE statement.
type tableDef struct {
	name    string
	columns []columnDef
}

type columnDef struct {
	name       string
	definition string // type and constraints
}

// DiffSchemas compares two DDL snapshots and drafts the up and down scripts
// that move between them. It covers added and dropped tables, columns and
// indexes; type changes and renames are left for the author. The down script
// undoes the up script in reverse order.
func DiffSchemas(oldDDL, newDDL string) (upSQL, downSQL string) {
	oldTables, newTables := parseTables(oldDDL), parseTables(newDDL)
	oldIndexes, newIndexes := parseIndexes(oldDDL), parseIndexes(newDDL)

	var up, down []string
	emit := func(u, d string) {
		up = append(up, u)
		down = append(down, d)
	}

	for _, name := range sortedKeys(newTables) {
		newTable := newTables[name]
		oldTable, exists := oldTables[name]
		if !exists {
			emit(buildCreateTable(newTable), fmt.Sprintf("DROP TABLE IF EXISTS %s;", name))
			continue
		}
		oldCols, newCols := columnMap(oldTable.columns), columnMap(newTable.columns)
		for _, col := range newTable.columns {
			if _, ok := oldCols[col.name]; !ok {
				emit(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", name, col.name, col.definition),
					fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", name, col.name))
			}
		}
		for _, col := range oldTable.columns {
			if _, ok := newCols[col.name]; !ok {
				emit(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", name, col.name),
					fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", name, col.name, col.definition))
			}
		}
	}

	for _, name := range sortedKeys(newIndexes) {
		if _, ok := oldIndexes[name]; !ok {
			emit(newIndexes[name]+";", fmt.Sprintf("DROP INDEX IF EXISTS %s;", name))
		}
	}
	for _, name := range sortedKeys(oldIndexes) {
		if _, ok := newIndexes[name]; !ok {
			emit(fmt.Sprintf("DROP INDEX IF EXISTS %s;", name), oldIndexes[name]+";")
		}
	}

	for _, name := range sortedKeys(oldTables) {
		if _, ok := newTables[name]; !ok {
			emit(fmt.Sprintf("DROP TABLE IF EXISTS %s;", name), buildCreateTable(oldTables[name]))
		}
	}

	for i, j := 0, len(down)-1; i < j; i, j = i+1, j-1 {
		down[i], down[j] = down[j], down[i]
	}
	return strings.Join(up, "\n"), strings.Join(down, "\n")
}

var (
	createTableRe = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s*\(([\s\S]*?)\)\s*;`)
	createIndexRe = regexp.MustCompile(`(?i)(CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s+ON\s+\w+\s*\([^)]+\))\s*;?`)
)

var constraintPrefixes = []string{"PRIMARY KEY", "FOREIGN KEY", "CHECK", "UNIQUE", "CONSTRAINT"}

func parseTables(ddl string) map[string]tableDef {
	tables := make(map[string]tableDef)
	for _, m := range createTableRe.FindAllStringSubmatch(ddl, -1) {
		tables[m[1]] = tableDef{name: m[1], columns: parseColumns(m[2])}
	}
	return tables
}

func parseColumns(body string) []columnDef {
	var cols []columnDef
	for _, line := range strings.Split(body, ",") {
		line = strings.TrimSpace(line)
		if line == "" || isConstraint(line) {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		cols = append(cols, columnDef{name: parts[0], definition: strings.Join(parts[1:], " ")})
	}
	return cols
}

func isConstraint(line string) bool {
	upper := strings.ToUpper(line)
	for _, p := range constraintPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

func parseIndexes(ddl string) map[string]string {
	indexes := make(map[string]string)
	for _, m := range createIndexRe.FindAllStringSubmatch(ddl, -1) {
		indexes[m[2]] = strings.TrimSpace(m[1])
	}
	return indexes
}

func columnMap(cols []columnDef) map[string]string {
	m := make(map[string]string, len(cols))
	for _, c := range cols {
		m[c.name] = c.definition
	}
	return m
}

func buildCreateTable(t tableDef) string {
	defs := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		defs = append(defs, fmt.Sprintf("    %s %s", c.name, c.definition))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);", t.name, strings.Join(defs, ",\n"))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
