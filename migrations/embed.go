// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the event log schema. Files are named
// NNNN_description.sql and applied in version order.
package migrations

import (
	"cmp"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Name    string
	Version int
	SQL     string
}

// Ordered returns the embedded migrations sorted by version.
func Ordered() ([]File, error) {
	return ordered(embeddedFiles)
}

func ordered(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}

		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: entry.Name(), Version: version, SQL: string(body)})
	}

	slices.SortFunc(files, func(a, b File) int { return cmp.Compare(a.Version, b.Version) })
	for i, f := range files {
		if f.Version != i+1 {
			return nil, fmt.Errorf("migration %s: want version %d, got %d", f.Name, i+1, f.Version)
		}
	}
	return files, nil
}

func parseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: name must look like NNNN_description.sql", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("migration %s: invalid version %q", name, prefix)
	}
	return version, nil
}
