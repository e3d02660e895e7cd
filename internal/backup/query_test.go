package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "a", DeploymentName: "site1", Kind: KindWebsite, SizeBytes: 4096, CreatedAt: now.Add(-2 * 24 * time.Hour)},
		{ID: "b", DeploymentName: "site1", Kind: KindConfiguration, SizeBytes: 512, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{ID: "c", DeploymentName: "api", Kind: KindWebsite, SizeBytes: 100, CreatedAt: now.Add(-1 * time.Hour)},
	}

	tests := []struct {
		expression string
		want       []string
	}{
		{"", []string{"a", "b", "c"}},
		{`kind == "Website"`, []string{"a", "c"}},
		{`kind == "Website" && size_bytes > 1024`, []string{"a"}},
		{`age_days > 7`, []string{"b"}},
		{`deployment_name in ["api", "web"]`, []string{"c"}},
		{`id startsWith "b" || size_bytes < 200`, []string{"b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			q, err := CompileQuery(tt.expression)
			require.NoError(t, err)

			got, err := q.Select(records, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestCompileQuery_Invalid(t *testing.T) {
	for _, expression := range []string{
		`size_bytes + 1`,
		`unknown_field == 1`,
		`kind ==`,
	} {
		_, err := CompileQuery(expression)
		assert.Error(t, err, expression)
	}
}
