package market

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Checker-Finance/marketcore/internal/store"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("handler: %w", validationf("price must be positive"))

	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "validation: price must be positive", validationf("price must be positive").Error())
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := providerError("refund", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrExternalProvider)
	assert.Equal(t, "external_provider: refund: connection reset", err.Error())
}

func TestStoreErr(t *testing.T) {
	assert.NoError(t, storeErr(nil, "trade", "t1"))
	assert.ErrorIs(t, storeErr(store.ErrNotFound, "trade", "t1"), ErrNotFound)
	assert.ErrorIs(t, storeErr(fmt.Errorf("%w: trades_bid_ask_key", store.ErrConflict), "trade", "t1"), ErrConflict)

	other := errors.New("boom")
	assert.Same(t, other, storeErr(other, "trade", "t1"))
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	unlockA()
	<-done
	unlockB()
	assert.Zero(t, k.size())
}
