// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestOrderedEmbedsEventLogSchema(t *testing.T) {
	files, err := Ordered()
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected at least 2 migrations got %d", len(files))
	}
	if files[0].Version != 1 || !strings.Contains(files[0].SQL, "CREATE TABLE IF NOT EXISTS events") {
		t.Fatalf("expected first migration to create the events table, got %s", files[0].Name)
	}
}

func TestOrderedSortsByVersion(t *testing.T) {
	files, err := ordered(fstest.MapFS{
		"0010_late.sql":  {Data: []byte("SELECT 10")},
		"0002_b.sql":     {Data: []byte("SELECT 2")},
		"0001_a.sql":     {Data: []byte("SELECT 1")},
		"README.md":      {Data: []byte("ignored")},
		"0003_c.sql":     {Data: []byte("SELECT 3")},
		"0004_d.sql":     {Data: []byte("SELECT 4")},
		"0005_e.sql":     {Data: []byte("SELECT 5")},
		"0006_f.sql":     {Data: []byte("SELECT 6")},
		"0007_g.sql":     {Data: []byte("SELECT 7")},
		"0008_h.sql":     {Data: []byte("SELECT 8")},
		"0009_i.sql":     {Data: []byte("SELECT 9")},
		"notes/0011.sql": {Data: []byte("SELECT 11")},
	})
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	if len(files) != 10 {
		t.Fatalf("expected 10 migrations got %d", len(files))
	}
	for i, f := range files {
		if f.Version != i+1 {
			t.Fatalf("position %d holds %s", i, f.Name)
		}
	}
	if files[9].Name != "0010_late.sql" {
		t.Fatalf("expected numeric order, got %s last", files[9].Name)
	}
}

func TestOrderedRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"gap":       {"0001_a.sql": {}, "0003_c.sql": {}},
		"duplicate": {"0001_a.sql": {}, "0001_b.sql": {}},
		"no prefix": {"event_log.sql": {}},
		"zero":      {"0000_a.sql": {}},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ordered(fsys); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
