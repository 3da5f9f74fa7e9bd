package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# relay settings\n" +
		"INTAKE_TEST_MODEL=models/gemini-live\n" +
		"INTAKE_TEST_GREETING=\"hello world\"\n" +
		"export INTAKE_TEST_EXPORTED=ok\n" +
		"INTAKE_TEST_SINGLE='single quoted'\n" +
		"INTAKE_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("INTAKE_TEST_EXISTING", "already_set")
	for _, k := range []string{"INTAKE_TEST_MODEL", "INTAKE_TEST_GREETING", "INTAKE_TEST_EXPORTED", "INTAKE_TEST_SINGLE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	want := map[string]string{
		"INTAKE_TEST_MODEL":    "models/gemini-live",
		"INTAKE_TEST_GREETING": "hello world",
		"INTAKE_TEST_EXPORTED": "ok",
		"INTAKE_TEST_SINGLE":   "single quoted",
		"INTAKE_TEST_EXISTING": "already_set",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
}

func TestLoadFile_UnreadablePathErrors(t *testing.T) {
	t.Parallel()
	// A directory cannot be parsed as an env file.
	if err := LoadFile(t.TempDir()); err == nil {
		t.Fatalf("expected error for directory path")
	}
}
