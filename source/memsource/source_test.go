package memsource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psep-io/psep/source/memsource"
	"github.com/psep-io/psep/token"
)

func TestPublishThenReadInOrder(t *testing.T) {
	var src = memsource.New()
	src.Publish(0, "int", 1)
	src.Publish(0, "int", 2)

	var strm, err = src.OpenStream(context.Background(), token.Token{})
	require.NoError(t, err)
	defer strm.Close()

	var ctx = context.Background()
	var e1, err1 = strm.NextAvailable(ctx)
	require.NoError(t, err1)
	assert.Equal(t, 1, e1.Payload)

	var e2, err2 = strm.NextAvailable(ctx)
	require.NoError(t, err2)
	assert.Equal(t, 2, e2.Payload)
}

func TestOpenStreamFromToken(t *testing.T) {
	var src = memsource.New()
	for i := 0; i < 5; i++ {
		src.Publish(0, "int", i)
	}
	var strm, err = src.OpenStream(context.Background(), token.At(3))
	require.NoError(t, err)
	defer strm.Close()

	var evt, nerr = strm.NextAvailable(context.Background())
	require.NoError(t, nerr)
	assert.Equal(t, 3, evt.Payload)
}

func TestPushCallbackFiresSynchronously(t *testing.T) {
	var src = memsource.New()
	var strm, _ = src.OpenStream(context.Background(), token.Token{})
	defer strm.Close()

	var fired = make(chan struct{}, 1)
	ok := strm.SetOnAvailableCallback(func() { fired <- struct{}{} })
	require.True(t, ok)

	src.Publish(0, "int", 42)

	select {
	case <-fired:
	default:
		t.Fatal("expected callback to fire synchronously from Publish")
	}
}

func TestPollOnlySourceRejectsCallback(t *testing.T) {
	var src = memsource.NewPollOnly()
	var strm, _ = src.OpenStream(context.Background(), token.Token{})
	defer strm.Close()

	assert.False(t, strm.SetOnAvailableCallback(func() {}))
}

func TestHasNextAvailableBlocksUntilTimeout(t *testing.T) {
	var src = memsource.NewPollOnly()
	var strm, _ = src.OpenStream(context.Background(), token.Token{})
	defer strm.Close()

	var start = time.Now()
	var ok = strm.HasNextAvailable(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSkipMessagesWithPayloadTypeOfHidesFutureEvents(t *testing.T) {
	var src = memsource.New()
	var strm, _ = src.OpenStream(context.Background(), token.Token{})
	defer strm.Close()

	src.Publish(0, "skippable", "a")
	var evt, err = strm.NextAvailable(context.Background())
	require.NoError(t, err)

	strm.SkipMessagesWithPayloadTypeOf(evt)
	src.Publish(0, "skippable", "b")
	src.Publish(0, "kept", "c")

	var next, nerr = strm.NextAvailable(context.Background())
	require.NoError(t, nerr)
	assert.Equal(t, "c", next.Payload)
}
