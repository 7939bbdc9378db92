package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func envMap(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func TestLoadEnvFileAndGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\nexport C=\"quoted\"\nnot a pair\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if len(pairs) != 3 || pairs[0] != "A=1" || pairs[1] != "B=two" || pairs[2] != "C=quoted" {
		t.Fatalf("unexpected pairs: %v", pairs)
	}
}

func TestLoadGlobalEnv_Merge(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cfg.toml")
	t.Setenv("OS_ONLY", "osv")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FILE_ONLY=fv\nTOP=file\nCHAIN=${OS_ONLY}-x\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	// env_files are relative to the config file.
	data := "" +
		"use_os_env = true\n" +
		"env_files = [\".env\"]\n" +
		"env = [\"TOP=tv\"]\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	pairs, err := LoadGlobalEnv(cfgPath)
	if err != nil {
		t.Fatalf("LoadGlobalEnv: %v", err)
	}
	m := envMap(pairs)
	if m["OS_ONLY"] != "osv" {
		t.Fatalf("missing OS_ONLY: %v", m["OS_ONLY"])
	}
	if m["FILE_ONLY"] != "fv" {
		t.Fatalf("missing FILE_ONLY: %v", m["FILE_ONLY"])
	}
	if m["TOP"] != "tv" {
		t.Fatalf("env list must override env files: %v", m["TOP"])
	}
	// Expansion happens when the environment is merged for a server.
	if m["CHAIN"] != "${OS_ONLY}-x" {
		t.Fatalf("CHAIN expanded too early: %v", m["CHAIN"])
	}
}
