package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "orderledger/internal/core", true},
		{InternalImportForbidden, "example.com/x/internal/y", true},
		{InternalImportForbidden, "orderledger/pkg/domain", false},
		{DriverImportForbidden, "github.com/jackc/pgx/v5/stdlib", true},
		{DriverImportForbidden, "modernc.org/sqlite", true},
		{DriverImportForbidden, "github.com/aws/aws-sdk-go-v2/service/s3", true},
		{DriverImportForbidden, "github.com/shopspring/decimal", false},
		{DriverImportForbidden, "github.com/jackc/pgxpool-other", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Errorf("predicate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"modernc.org/sqlite\"\n)\nvar _ = fmt.Sprint\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport \"github.com/jackc/pgx/v5\"\n")
	writeFile(t, dir, "notes.txt", "import \"github.com/segmentio/kafka-go\"")
	if err := os.Mkdir(filepath.Join(dir, "sub.go"), 0o700); err != nil {
		t.Fatal(err)
	}

	viols, err := directImportViolations(dir, DriverImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "modernc.org/sqlite (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	clean := t.TempDir()
	writeFile(t, clean, "b.go", "package tmp\nimport \"strings\"\nvar _ = strings.ToLower\n")
	AssertNoDirectImports(t, clean, DriverImportForbidden, "clean package")
}

func TestDirectImportViolationsParseError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.go", "package tmp\nimport (\n")
	if _, err := directImportViolations(dir, DriverImportForbidden); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAssertNoTransitiveDependencyUsesGoList(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })
	var pattern string
	goListDeps = func(p string) ([]byte, error) {
		pattern = p
		return []byte("fmt\norderledger/pkg/domain\ngithub.com/shopspring/decimal\n"), nil
	}
	AssertNoTransitiveDependency(t, "./pkg/domain", DriverImportForbidden, "domain stays driver free")
	if pattern != "./pkg/domain" {
		t.Fatalf("go list called with %q", pattern)
	}
}
