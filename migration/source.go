package migration

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// fileNamePattern matches NNN_name_up.sql and NNN_name_down.sql.
var fileNamePattern = regexp.MustCompile(`^(\d+)_(\w+)_(up|down)\.sql$`)

type scriptPair struct {
	version string
	name    string
	up      *string
	down    *string
}

// Load reads every migration pair from the root of fsys. Files that do not
// follow the NNN_name_(up|down).sql convention are ignored. The result is
// sorted by version.
func Load(fsys fs.FS) ([]*Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	pairs := make(map[string]*scriptPair)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, name, dir := match[1], match[2], Direction(match[3])

		pair, ok := pairs[version]
		if !ok {
			pair = &scriptPair{version: version, name: name}
			pairs[version] = pair
		} else if pair.name != name {
			return nil, fmt.Errorf("%w: %s is used by %q and %q", ErrDuplicateVersion, version, pair.name, name)
		}

		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		body := string(data)
		if dir == Up {
			pair.up = &body
		} else {
			pair.down = &body
		}
	}

	migrations := make([]*Migration, 0, len(pairs))
	for _, pair := range pairs {
		id := pair.version + "_" + pair.name
		if pair.up == nil || pair.down == nil {
			return nil, fmt.Errorf("%w: %s", ErrIncompleteMigration, id)
		}
		migrations = append(migrations, &Migration{
			ID:       id,
			Version:  pair.version,
			Name:     pair.name,
			UpSQL:    *pair.up,
			DownSQL:  *pair.down,
			Checksum: Checksum(*pair.up, *pair.down),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// LoadDir is Load over a directory on disk.
func LoadDir(dir string) ([]*Migration, error) {
	return Load(os.DirFS(dir))
}

var nameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

// Create writes an empty up/down template pair into dir using the next free
// version and returns the new migration id.
func Create(dir, name string, now time.Time) (string, error) {
	return CreateWithScripts(dir, name,
		"-- Schema change goes here.\n",
		"-- Reverse every change made by the up script.\n", now)
}

// CreateWithScripts is Create with caller-supplied script bodies, for example
// the output of DiffSchemas.
func CreateWithScripts(dir, name, upBody, downBody string, now time.Time) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "_")
	slug = strings.Trim(nameCleaner.ReplaceAllString(slug, ""), "_")
	if slug == "" {
		return "", fmt.Errorf("migration name %q has no usable characters", name)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create migrations directory: %w", err)
	}

	existing, err := LoadDir(dir)
	if err != nil {
		return "", err
	}
	version, err := nextVersion(existing)
	if err != nil {
		return "", err
	}

	id := version + "_" + slug
	header := func(d Direction) string {
		return fmt.Sprintf("-- Migration: %s\n-- Version: %s\n-- Direction: %s\n-- Created: %s\n\n",
			name, version, strings.ToUpper(string(d)), now.UTC().Format(time.RFC3339))
	}
	files := map[string]string{
		filepath.Join(dir, id+"_up.sql"):   header(Up) + withNewline(upBody),
		filepath.Join(dir, id+"_down.sql"): header(Down) + withNewline(downBody),
	}
	for p, body := range files {
		if err := os.WriteFile(p, []byte(body), 0o640); err != nil { //nolint:gosec // G306: migration scripts are not secrets
			return "", fmt.Errorf("write %s: %w", path.Base(p), err)
		}
	}
	return id, nil
}

func nextVersion(existing []*Migration) (string, error) {
	width := 3
	highest := 0
	for _, m := range existing {
		n, err := strconv.Atoi(m.Version)
		if err != nil {
			return "", fmt.Errorf("version %q of %s is not numeric: %w", m.Version, m.ID, err)
		}
		if n > highest {
			highest = n
		}
		if len(m.Version) > width {
			width = len(m.Version)
		}
	}
	return fmt.Sprintf("%0*d", width, highest+1), nil
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
