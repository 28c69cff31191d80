package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertFile struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestMakerCheckerAlertRules(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "makerchecker.yml"))
	require.NoError(t, err)

	var file alertFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	require.Len(t, file.Groups, 1)
	require.Equal(t, "makerchecker", file.Groups[0].Name)

	expected := map[string]string{
		"HighErrorRate":          "critical",
		"PermissionLoadFailures": "critical",
		"StalePendingChanges":    "warning",
	}
	rules := file.Groups[0].Rules
	require.Len(t, rules, len(expected))
	for _, rule := range rules {
		severity, ok := expected[rule.Alert]
		require.True(t, ok, "unexpected rule %q", rule.Alert)
		require.Equal(t, severity, rule.Labels["severity"], rule.Alert)
		require.NotEmpty(t, rule.Expr, rule.Alert)
		require.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
		require.NotEmpty(t, rule.Annotations["description"], rule.Alert)
	}
}
