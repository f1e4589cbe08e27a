package chaos_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/chaos"
	"github.com/jules-labs/libralend/internal/database"
)

const observe = 30 * time.Millisecond

func newEngine() *chaos.Engine {
	return chaos.NewEngine(5*time.Millisecond, zerolog.Nop())
}

func TestExperimentsHoldOnMemoryStores(t *testing.T) {
	lab := chaos.NewLab(chaos.MemoryStores(), chaos.DefaultLabOptions(), zerolog.Nop())
	engine := newEngine()

	for _, exp := range chaos.Experiments(lab, observe) {
		t.Run(exp.Name, func(t *testing.T) {
			result, err := engine.Run(context.Background(), exp)
			require.NoError(t, err)
			assert.True(t, result.SteadyStateValid)
			assert.True(t, result.HypothesisHeld, "failed assertions: %v", result.Failed)
			assert.Empty(t, result.Failed)
		})
	}
	assert.Len(t, engine.Results(), 4)
}

func TestGatewayOutageRecordsRecovery(t *testing.T) {
	lab := chaos.NewLab(chaos.MemoryStores(), chaos.DefaultLabOptions(), zerolog.Nop())
	result, err := newEngine().Run(context.Background(), chaos.GatewayOutage(lab, 3, observe))
	require.NoError(t, err)

	assert.True(t, result.HypothesisHeld)
	assert.NotEmpty(t, result.Violations, "outage should leave overdue loans unfined while it lasts")
	assert.Empty(t, result.ErrorEvents)
	require.NotNil(t, result.MTTR)

	unfined := result.Observations["unfined_overdue"]
	require.NotEmpty(t, unfined)
	assert.Equal(t, float64(3), unfined[0].Value)
	assert.Zero(t, unfined[len(unfined)-1].Value)
}

func TestRunAbortsOnInvalidSteadyState(t *testing.T) {
	exp := chaos.Experiment{
		Name: "broken-baseline",
		SteadyState: []chaos.Metric{{
			Name:      "always_one",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: chaos.Threshold{Operator: "==", Value: 0},
		}},
		Method: []chaos.Action{{
			Type: "never",
			Execute: func(context.Context) error {
				t.Fatal("method ran despite a broken steady state")
				return nil
			},
		}},
		Duration: observe,
	}

	result, err := newEngine().Run(context.Background(), exp)
	require.ErrorIs(t, err, chaos.ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, float64(1), result.Violations[0].Actual)
}

func TestFailedAssertionBreaksHypothesis(t *testing.T) {
	value := 0.0
	exp := chaos.Experiment{
		Name: "drift",
		SteadyState: []chaos.Metric{{
			Name:      "drift",
			Query:     func(context.Context) (float64, error) { return value, nil },
			Threshold: chaos.Threshold{Operator: "<=", Value: 1},
		}},
		Method: []chaos.Action{
			{Type: "drift", Execute: func(context.Context) error { value = 5; return nil }},
			{Type: "fail", Target: "dependency", Execute: func(context.Context) error { return errors.New("boom") }},
		},
		Validation: []chaos.Assertion{{
			Metric:    "drift",
			Condition: func(v float64) bool { return v <= 1 },
			Message:   "drift must recover",
		}},
		Duration: observe,
	}

	engine := newEngine()
	result, err := engine.Run(context.Background(), exp)
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"drift must recover"}, result.Failed)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "dependency", result.ErrorEvents[0].Component)
	assert.Nil(t, result.MTTR)

	held, err := engine.ExecuteGameDay(context.Background(), chaos.GameDay{Name: "drill", Scenarios: []chaos.Experiment{exp}})
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExperimentsHoldOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres chaos run in short mode")
	}
	db := database.OpenTestDB(t)
	lab := chaos.NewLab(chaos.PostgresStores(db), chaos.DefaultLabOptions(), zerolog.Nop())

	held, err := newEngine().ExecuteGameDay(context.Background(), chaos.GameDay{
		Name:      "postgres drill",
		Date:      time.Now(),
		Scenarios: chaos.Experiments(lab, observe),
	})
	require.NoError(t, err)
	assert.True(t, held)
}
