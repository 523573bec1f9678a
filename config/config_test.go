package config

import "testing"

func testModel() *Model {
	return &Model{
		Name: "basic_range",
		Options: []Option{
			{ID: "range", Type: TypeUint32, Label: "wireless range", Default: "275"},
			{ID: "bandwidth", Type: TypeUint64, Label: "bandwidth (bps)", Default: "54000000"},
			{ID: "mode", Type: TypeString, Label: "mode", Default: "auto", Select: []string{"auto", "manual"}},
		},
		Groups: []Group{{Name: "Basic", Start: 1, Stop: 3}},
	}
}

func TestConfiguredFallsBackToDefaults(t *testing.T) {
	reg := NewRegistry()
	m := testModel()

	got := reg.Configured(m, NodeAll)
	if got["range"] != "275" || got["bandwidth"] != "54000000" {
		t.Fatalf("expected declared defaults, got %v", got)
	}
}

func TestSetConfigsReplacesWholeGroup(t *testing.T) {
	reg := NewRegistry()
	m := testModel()

	reg.SetConfigs(3, m.Name, map[string]string{"range": "100", "bandwidth": "1000"})
	reg.SetConfigs(3, m.Name, map[string]string{"range": "500"})

	got := reg.Configured(m, 3)
	if got["range"] != "500" {
		t.Fatalf("expected last write to win, got range=%q", got["range"])
	}
	// bandwidth was dropped by the replacement, so the default applies again
	if got["bandwidth"] != "54000000" {
		t.Fatalf("expected replaced group to forget bandwidth, got %q", got["bandwidth"])
	}
}

func TestScopesAreIndependent(t *testing.T) {
	reg := NewRegistry()
	reg.SetConfigs(1, "basic_range", map[string]string{"range": "10"})
	reg.SetConfigs(2, "basic_range", map[string]string{"range": "20"})

	if v := reg.GetConfig(1, "basic_range", "range", ""); v != "10" {
		t.Fatalf("node 1 range = %q, want 10", v)
	}
	if v := reg.GetConfig(2, "basic_range", "range", ""); v != "20" {
		t.Fatalf("node 2 range = %q, want 20", v)
	}

	scopes := reg.Scopes("basic_range")
	if len(scopes) != 2 || scopes[0] != 1 || scopes[1] != 2 {
		t.Fatalf("unexpected scopes %v", scopes)
	}
}

func TestResetDropsNodeScopes(t *testing.T) {
	reg := NewRegistry()
	reg.SetConfigs(1, "basic_range", map[string]string{"range": "10"})
	reg.SetConfigs(1, "ns2script", map[string]string{"file": "a.scen"})
	reg.SetConfigs(2, "basic_range", map[string]string{"range": "20"})

	reg.Reset(1)

	if reg.GetConfigs(1, "basic_range") != nil || reg.GetConfigs(1, "ns2script") != nil {
		t.Fatal("expected all node 1 scopes to be gone")
	}
	if reg.GetConfigs(2, "basic_range") == nil {
		t.Fatal("node 2 scope should survive a node 1 reset")
	}
}

func TestValidateRejectsUnknownAndDisallowed(t *testing.T) {
	m := testModel()

	if err := m.Validate(map[string]string{"nope": "1"}); err == nil {
		t.Fatal("expected unknown option to be rejected")
	}
	if err := m.Validate(map[string]string{"mode": "turbo"}); err == nil {
		t.Fatal("expected disallowed value to be rejected")
	}
	if err := m.Validate(map[string]string{"mode": "manual", "range": "42"}); err != nil {
		t.Fatalf("valid values rejected: %v", err)
	}
}

func TestModelsRegistry(t *testing.T) {
	models := NewModels()
	if err := models.Register(testModel()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := models.Register(testModel()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, ok := models.Get("basic_range"); !ok {
		t.Fatal("registered model not found")
	}
	if names := models.Names(); len(names) != 1 || names[0] != "basic_range" {
		t.Fatalf("unexpected names %v", names)
	}
}
