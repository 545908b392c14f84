package postgres

import "testing"

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://rx:pw@localhost:5432/rx?sslmode=disable", "pgx5://rx:pw@localhost:5432/rx?sslmode=disable"},
		{"postgresql://rx@db/rx", "pgx5://rx@db/rx"},
		{"pgx5://already/converted", "pgx5://already/converted"},
	}
	for _, tt := range tests {
		if got := migrateURL(tt.in); got != tt.want {
			t.Errorf("migrateURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups := 0
	for _, e := range entries {
		if len(e.Name()) > 7 && e.Name()[len(e.Name())-7:] == ".up.sql" {
			ups++
		}
	}
	if ups != 3 {
		t.Errorf("expected 3 up migrations, got %d", ups)
	}
}
