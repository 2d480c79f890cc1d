package certerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorRendersCodePrefix(t *testing.T) {
	err := New(DuplicateNonce, "nonce %s already consumed", "abc")
	assert.Equal(t, "DUPLICATE_NONCE: nonce abc already consumed", err.Error())

	bare := &Error{Code: UnknownKey}
	assert.Equal(t, "UNKNOWN_KEY", bare.Error())
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("append: %w", New(ReusedToken, "signature seen before"))

	assert.True(t, errors.Is(err, ErrReusedToken))
	assert.False(t, errors.Is(err, ErrDuplicateNonce))
	assert.Equal(t, ReusedToken, CodeOf(err))
	assert.True(t, HasCode(err, ReusedToken))
	assert.Equal(t, Code(""), CodeOf(io.EOF))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(LedgerWriteFailed, io.ErrShortWrite, "persist entry 3")

	assert.True(t, errors.Is(err, io.ErrShortWrite))
	assert.True(t, errors.Is(err, ErrLedgerWriteFailed))
	assert.Contains(t, err.Error(), "LEDGER_WRITE_FAILED: persist entry 3")
}

func TestParseRoundTrip(t *testing.T) {
	orig := New(ClockSkewExceeded, "skew 10.000s exceeds max 5.000s - CERTIFICATION BLOCKED")

	parsed := Parse(orig.Error())
	require.NotNil(t, parsed)
	assert.Equal(t, ClockSkewExceeded, parsed.Code)
	assert.Equal(t, orig.Detail, parsed.Detail)

	assert.Nil(t, Parse("SOMETHING_ELSE: nope"))
	assert.Nil(t, Parse(""))
}
