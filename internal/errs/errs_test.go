package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/wager-engine/internal/errs"
)

func TestWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("%w: bet 42", errs.ErrAlreadyUsed)

	assert.ErrorIs(t, err, errs.ErrAlreadyUsed)
	assert.NotErrorIs(t, err, errs.ErrAlreadyFulfilled)

	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindStateConflict, kind)

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "VrfResultAlreadyUsed", e.Code)
	assert.Equal(t, "bet already settled: bet 42", err.Error())
}

func TestKindOf_Foreign(t *testing.T) {
	_, ok := errs.KindOf(errors.New("boom"))
	assert.False(t, ok)
}
