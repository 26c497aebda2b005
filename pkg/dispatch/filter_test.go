package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/dispatch/pkg/model"
)

func TestAlways_AlwaysMatches(t *testing.T) {
	ok, err := Always(context.Background(), &model.TaskMessage{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFieldTruthy_MatchesOnTypeEvent(t *testing.T) {
	f := FieldTruthy("TEST_CLASS")
	task := &model.TaskMessage{TypeEvent: "TEST_CLASS"}

	ok, err := f(context.Background(), task, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	other := &model.TaskMessage{TypeEvent: "OTHER"}
	ok, err = f(context.Background(), other, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFieldTruthy_ServiceMessageNeverMatches(t *testing.T) {
	f := FieldTruthy("TEST_CLASS")
	ok, err := f(context.Background(), &model.ServiceMessage{Command: model.CommandGetStatus}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDataKeyEquals(t *testing.T) {
	f := DataKeyEquals("name", "alice")
	ok, err := f(context.Background(), &model.TaskMessage{}, map[string]any{"name": "alice"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f(context.Background(), &model.TaskMessage{}, map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f(context.Background(), &model.TaskMessage{}, map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeFilters_EmptyBecomesAlways(t *testing.T) {
	normalized, err := normalizeFilters(nil)
	require.NoError(t, err)
	require.Len(t, normalized, 1)

	ok, err := normalized[0](context.Background(), &model.TaskMessage{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNormalizeFilters_NilElementIsRegistrationError(t *testing.T) {
	_, err := normalizeFilters([]Filter{nil})
	assert.ErrorIs(t, err, ErrRegistration)
}

func TestEvaluateFilters_ShortCircuitsOnFirstFalsy(t *testing.T) {
	var secondCalled bool
	falsy := func(ctx context.Context, metadata model.Metadata, data map[string]any) (bool, error) {
		return false, nil
	}
	marks := func(ctx context.Context, metadata model.Metadata, data map[string]any) (bool, error) {
		secondCalled = true
		return true, nil
	}

	ok, err := evaluateFilters(context.Background(), []Filter{falsy, marks}, &model.TaskMessage{}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, secondCalled, "evaluateFilters must short-circuit on the first falsy filter")
}

func TestEvaluateFilters_AllTruthyMatches(t *testing.T) {
	ok, err := evaluateFilters(context.Background(), []Filter{Always, Always}, &model.TaskMessage{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
