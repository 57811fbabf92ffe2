package dirlock

import (
	"errors"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestTryLock(t *testing.T) {
	locks := New()

	releaseGame, err := locks.TryLock("/games/genshin")
	assert.Assert(t, err == nil)

	// same dir, spelled differently
	_, err = locks.TryLock("/games/../games/genshin/")
	var busy *BusyError
	assert.Assert(t, errors.As(err, &busy))
	assert.EqualString(t, err.Error(), "directory /games/genshin is busy with another operation")

	// other dirs are independent
	releaseOther, err := locks.TryLock("/games/starrail")
	assert.Assert(t, err == nil)
	releaseOther()

	releaseGame()
	releaseGame() // double release is harmless

	releaseGame, err = locks.TryLock("/games/genshin")
	assert.Assert(t, err == nil)
	defer releaseGame()
}
