package config_test

import (
	"strings"
	"testing"
	"time"

	"actionline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.ContextTypeAllowed("project") || cfg.ContextTypeAllowed("sprint") {
		t.Fatal("context type enumeration broken")
	}
	if !cfg.SurfaceTypeAllowed("workflow_table") || cfg.SurfaceTypeAllowed("kanban") {
		t.Fatal("surface type enumeration broken")
	}
	if got := cfg.ReferenceStaleness(); got != 24*time.Hour {
		t.Fatalf("staleness %v", got)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	src := `
core:
  reference_staleness_hours: 6
contexts:
  types: [project, process]
surfaces:
  types: [workflow_table]
actions:
  required_fields:
    milestone: [title, due_date]
  default_required: [title]
webhooks:
  - url: https://example.com/hook
    events: [WORK_FINISHED]
`
	cfg, err := config.FromYAML([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ReferenceStaleness() != 6*time.Hour {
		t.Fatalf("staleness %v", cfg.ReferenceStaleness())
	}
	got := cfg.RequiredFieldsFor("milestone")
	if len(got) != 2 || got[1] != "due_date" {
		t.Fatalf("milestone required fields %v", got)
	}
	if fields := cfg.RequiredFieldsFor("task"); len(fields) != 1 || fields[0] != "title" {
		t.Fatalf("default required fields %v", fields)
	}

	out, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	again, err := config.FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again.Webhooks) != 1 || again.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks %v", again.Webhooks)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no context types",
			yaml: "surfaces:\n  types: [workflow_table]\n",
			want: "contexts.types",
		},
		{
			name: "no surface types",
			yaml: "contexts:\n  types: [project]\n",
			want: "surfaces.types",
		},
		{
			name: "webhook without url",
			yaml: "contexts:\n  types: [project]\nsurfaces:\n  types: [workflow_table]\nwebhooks:\n  - events: [WORK_FINISHED]\n",
			want: "webhooks[0].url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
