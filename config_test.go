package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadClassDefs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classdefs.csv")
	os.WriteFile(path, []byte("^123,internal\n^+1,broken\n^00,external\n"), 0644)

	defs, err := loadClassDefs(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the ^+ line is a configuration mistake and is dropped
	if len(defs) != 2 {
		t.Fatalf("expect two definitions: %+v", defs)
	}
	if defs[0].Class != "internal" || defs[1].Class != "external" {
		t.Errorf("order must be preserved: %+v", defs)
	}
}

func TestLoadClassDefsBadRegex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classdefs.csv")
	os.WriteFile(path, []byte("[,broken\n"), 0644)

	if _, err := loadClassDefs(path); err == nil {
		t.Errorf("expect compile error")
	}
}

func TestLoadClassDefsMissingFile(t *testing.T) {
	defs, err := loadClassDefs(filepath.Join(t.TempDir(), "nope.csv"))
	if err != nil || defs != nil {
		t.Errorf("missing file disables classification: (%v, %v)", defs, err)
	}
}

func TestIsHomedomain(t *testing.T) {
	config := testConfig()
	if !config.IsHomedomain("example.org") {
		t.Errorf("expect homedomain")
	}
	if !config.IsHomedomain("EXAMPLE.ORG") {
		t.Errorf("expect case-insensitive match")
	}
	if config.IsHomedomain("elsewhere.example.com") {
		t.Errorf("expect foreign domain")
	}
}

func TestIsUnauthClass(t *testing.T) {
	config := testConfig()
	config.UnauthClasses = []string{"emergency"}
	if !config.IsUnauthClass("emergency") {
		t.Errorf("expect unauth class")
	}
	if config.IsUnauthClass("premium") {
		t.Errorf("expect authenticated class")
	}
}
