package seed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/store"
)

func TestLoadAndApply(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)
	require.Len(t, f.Personas, 1)
	assert.Equal(t, domain.DifficultyAdvanced, f.Scenarios[0].Difficulty)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.Apply(ctx, st, now, nil))

	code, err := st.GetAccessCode(ctx, "ABC123")
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.True(t, code.Active)
	assert.False(t, code.Features.MentorEnabled)
	assert.Equal(t, []string{"p-jane"}, code.PersonaIDs)
	assert.Empty(t, code.ScenarioIDs)

	retired, err := st.GetAccessCode(ctx, "RETIRED1")
	require.NoError(t, err)
	assert.False(t, retired.Active)

	budget, err := st.GetScenario(ctx, "sc-first-budget")
	require.NoError(t, err)
	assert.Equal(t, domain.DifficultyStandard, budget.Difficulty)

	flags, err := st.GetUserFeatures(ctx, "trainee-basic")
	require.NoError(t, err)
	require.NotNil(t, flags)
	assert.False(t, flags.MentorEnabled)

	// Seeding twice is an upsert.
	require.NoError(t, f.Apply(ctx, st, now, nil))
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "personas:\n  - id: p1\n    name: A\n    nickname: B\n",
		"dangling persona": "accessCodes:\n  - code: X1\n    personaIds: [ghost]\n",
		"empty code":       "accessCodes:\n  - code: '  '\n",
		"nameless persona": "personas:\n  - id: p1\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}
