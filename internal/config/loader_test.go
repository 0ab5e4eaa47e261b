package config

import (
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "log_level: info\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.json", `{ "log_level": "info", "models_dir": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.toml", "log_level=info\nmodels_dir\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestLoad_InvalidSize(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "cache:\n  max_size: lots\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected size parse error")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestSessionConfigRejectsUnknownNames(t *testing.T) {
	cases := []File{
		{Loader: LoaderSection{Strategy: "random"}},
		{Scheduler: SchedulerSection{MemoryStrategy: "fast"}},
		{Scheduler: SchedulerSection{CheckpointPolicy: "some"}},
		{Cache: CacheSection{PrefetchInterval: "soon"}},
	}
	for i, f := range cases {
		if _, err := f.SessionConfig(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
