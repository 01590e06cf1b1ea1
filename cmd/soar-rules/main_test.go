package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validRules = `
- id: wide_scan
  name: Wide scan
  type: spatial
  enabled: true
  threshold:
    min_signals: 3
    time_window_minutes: 10
`

const invalidRule = `
id: broken
name: Broken
type: spatial
threshold:
  min_signals: 1
  time_window_minutes: 10
`

const validPolicies = `
policies:
  - id: scrape_limit
    name: Limit scrapers
    trigger_condition: {threat_type: scraping}
    actions: [rate_limit]
    trigger: immediate
    active: true
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRunValidate(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		kind     string
		wantCode int
		wantOut  []string
	}{
		{
			name:     "valid rules",
			files:    map[string]string{"rules/scan.yaml": validRules, "rules/readme.txt": "ignored"},
			kind:     kindRules,
			wantCode: 0,
			wantOut:  []string{"OK", "1 rule(s)", "1 files checked, 1 valid, 0 invalid"},
		},
		{
			name:     "invalid rule",
			files:    map[string]string{"rules/scan.yaml": validRules, "rules/broken.yml": invalidRule},
			kind:     kindRules,
			wantCode: 1,
			wantOut:  []string{"FAIL", "broken.yml", "2 files checked, 1 valid, 1 invalid"},
		},
		{
			name:     "valid policies",
			files:    map[string]string{"policies/limits.yaml": validPolicies},
			kind:     kindPolicies,
			wantCode: 0,
			wantOut:  []string{"1 policy(ies)", "[scrape_limit]", "actions: rate_limit"},
		},
		{
			name:     "rules file validated as policies",
			files:    map[string]string{"policies/scan.yaml": validRules},
			kind:     kindPolicies,
			wantCode: 1,
			wantOut:  []string{"FAIL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, tt.files)
			var out bytes.Buffer
			code := runValidate(&out, []string{dir}, tt.kind, true)
			if code != tt.wantCode {
				t.Errorf("runValidate() = %d, want %d\n%s", code, tt.wantCode, out.String())
			}
			for _, want := range tt.wantOut {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestRunValidate_MissingPath(t *testing.T) {
	var out bytes.Buffer
	if code := runValidate(&out, []string{filepath.Join(t.TempDir(), "absent")}, kindRules, false); code != 1 {
		t.Errorf("runValidate() = %d, want 1", code)
	}
}

func TestRunValidate_SampleRules(t *testing.T) {
	var out bytes.Buffer
	if code := runValidate(&out, []string{filepath.Join("..", "..", "configs", "rules")}, kindRules, true); code != 0 {
		t.Errorf("runValidate() = %d, want 0\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "card_testing_velocity") {
		t.Errorf("output missing sample rule id: %q", out.String())
	}
}

func TestRunList(t *testing.T) {
	dir := writeFiles(t, map[string]string{"scan.yaml": validRules, "broken.yaml": invalidRule})
	var out bytes.Buffer
	if code := runList(&out, []string{dir}, kindRules); code != 0 {
		t.Errorf("runList() = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "wide_scan") || strings.Contains(out.String(), "broken") {
		t.Errorf("runList() output = %q", out.String())
	}
}

func TestListBuiltin(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{kindRules, "distributed_attack_campaign"},
		{kindPolicies, "card_testing_block"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		listBuiltin(&out, tt.kind)
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("listBuiltin(%s) missing %s", tt.kind, tt.want)
		}
	}
}
