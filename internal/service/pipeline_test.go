package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-relay/internal/model"
	"otp-relay/internal/portal"
)

func TestPollOnceDiscoveryOrder(t *testing.T) {
	p, stats := newTestPipeline(t, &fakeAuth{}, newTree())

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "22990000001", events[0].Phone)
	assert.Equal(t, "22990000002", events[1].Phone)
	assert.Equal(t, "22890000003", events[2].Phone)

	assert.Equal(t, "111111", events[0].OTP)
	assert.Equal(t, "WhatsApp", events[0].Service)
	assert.Equal(t, "Google", events[2].Service)
	assert.Equal(t, "2026-10-14 09:30:00", events[0].Timestamp)
	assert.Equal(t, "22990000001_111111_Your WhatsApp code is 111111", events[0].ID)

	snap := stats.Snapshot()
	assert.EqualValues(t, 1, snap.TotalPolls)
	assert.True(t, snap.SessionValid)
}

func TestPollOnceDeduplicatesAcrossPolls(t *testing.T) {
	tree := newTree()
	tree.messages["22990000001"] = []string{"Your WhatsApp code is 111111. Valid for 5 minutes"}
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	first, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second)

	// Same number, code and 30-rune prefix but a different full text.
	resent := "Your WhatsApp code is 111111. Valid for 10 minutes"
	tree.messages["22990000001"] = append(tree.messages["22990000001"], resent)
	third, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, first[0].ID, third[0].ID)
	assert.Equal(t, resent, third[0].Message)
}

func TestPollOnceSkipsMessagesWithoutCode(t *testing.T) {
	tree := newTree()
	tree.messages["22990000001"] = []string{"Welcome to the service"}
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPollOnceDuplicateWithinOnePoll(t *testing.T) {
	tree := newTree()
	tree.messages["22990000001"] = []string{"Your WhatsApp code is 111111", "Your WhatsApp code is 111111"}
	tree.numbers["TOGO 228"] = []string{"22990000001"}
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2) // 111111 once, 222222 once
}

func TestPollOnceEnsureValidFailure(t *testing.T) {
	auth := &fakeAuth{ensureErr: errAuth}
	p, stats := newTestPipeline(t, auth, newTree())

	events, err := p.PollOnce(context.Background())
	assert.Nil(t, events)
	assert.ErrorIs(t, err, errAuth)
	assert.False(t, stats.Snapshot().SessionValid)
}

func TestPollOnceRangesExpiredReauthsOnce(t *testing.T) {
	tree := newTree()
	tree.rangeErrs = []error{errExpired}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
}

func TestPollOnceRangesExpiredTwiceFails(t *testing.T) {
	tree := newTree()
	tree.rangeErrs = []error{errExpired, errExpired}
	auth := &fakeAuth{}
	p, stats := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	assert.Nil(t, events)
	assert.ErrorIs(t, err, portal.ErrSessionExpired)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
	assert.False(t, stats.Snapshot().SessionValid)
}

func TestPollOnceEmptyRangesReauthsOnce(t *testing.T) {
	tree := newTree()
	tree.ranges = nil
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, events)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
}

func TestPollOnceRangesTransientErrorFails(t *testing.T) {
	tree := newTree()
	tree.rangeErrs = []error{errTransient}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	_, err := p.PollOnce(context.Background())
	var fe *portal.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, auth.reauthCalls.Load())
}

func TestPollOnceMidWalkExpiryUsesSingleReauth(t *testing.T) {
	tree := newTree()
	tree.messageErrs["22990000002"] = []error{errExpired}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
}

func TestPollOnceSecondExpiryAborts(t *testing.T) {
	tree := newTree()
	tree.messageErrs["22990000001"] = []error{errExpired}
	tree.messageErrs["22890000003"] = []error{errExpired}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, portal.ErrSessionExpired)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())

	// Events accepted before the abort are already in history and come back
	// with the error so they can still be delivered.
	require.Len(t, events, 2)
	assert.Equal(t, "22990000001", events[0].Phone)
	assert.Equal(t, "22990000002", events[1].Phone)
}

func TestPollOnceUnrecognisedMessagesReauthsOnce(t *testing.T) {
	tree := newTree()
	tree.messageErrs["22990000002"] = []error{errNoMarkup}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
}

func TestPollOnceUnrecognisedNumbersAfterReauthSkipsRange(t *testing.T) {
	tree := newTree()
	tree.numberErrs["TOGO 228"] = fmt.Errorf("portal numbers for TOGO 228: %w", portal.ErrNoMarkup)
	auth := &fakeAuth{}
	p, stats := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "22990000002", events[1].Phone)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
	assert.True(t, stats.Snapshot().SessionValid)
}

func TestPollOnceUnrecognisedMarkupAfterSpentReauthIsSkipped(t *testing.T) {
	tree := newTree()
	tree.messageErrs["22990000001"] = []error{errExpired}
	tree.messageErrs["22890000003"] = []error{errNoMarkup}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.EqualValues(t, 1, auth.reauthCalls.Load())
	assert.EqualValues(t, 1, auth.invalidated.Load())
}

func TestPollOnceReadsLiveFeed(t *testing.T) {
	live := &fakeLive{rows: []model.RawMessage{
		{Number: "22990000001", Text: "Your WhatsApp code is 111111"},
		{Number: "22990009999", Text: "Your TikTok code is 909090"},
		{Number: "22990009999", Text: "no code in here at all"},
	}}
	p, _ := newTestPipeline(t, &fakeAuth{}, newTree())
	p.SetLiveFeed(live)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "22990009999", events[3].Phone)
	assert.Equal(t, "909090", events[3].OTP)
	assert.Equal(t, "TikTok", events[3].Service)

	events, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.EqualValues(t, 2, live.calls.Load())
}

func TestPollOnceLiveFeedFailureKeepsTreeEvents(t *testing.T) {
	live := &fakeLive{errs: []error{errTransient}}
	auth := &fakeAuth{}
	p, _ := newTestPipeline(t, auth, newTree())
	p.SetLiveFeed(live)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Zero(t, auth.reauthCalls.Load())
}

func TestPollOnceLiveFeedRunsWithoutRanges(t *testing.T) {
	tree := newTree()
	tree.ranges = nil
	live := &fakeLive{rows: []model.RawMessage{{Number: "22990009999", Text: "Your TikTok code is 909090"}}}
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)
	p.SetLiveFeed(live)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "909090", events[0].OTP)
}

func TestTryPollOnceFailureRecordsLastError(t *testing.T) {
	tree := newTree()
	tree.rangeErrs = []error{errTransient}
	p, stats := newTestPipeline(t, &fakeAuth{}, tree)

	_, err := p.TryPollOnce(context.Background())
	require.Error(t, err)
	snap := stats.Snapshot()
	assert.Contains(t, snap.LastError, "502")
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestPollOnceReauthFailureAborts(t *testing.T) {
	tree := newTree()
	tree.messageErrs["22990000001"] = []error{errExpired}
	auth := &fakeAuth{reauthErr: errAuth}
	p, _ := newTestPipeline(t, auth, tree)

	_, err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, errAuth)
}

func TestPollOnceTransientNumberErrorIsSkipped(t *testing.T) {
	tree := newTree()
	tree.messageErrs["22990000002"] = []error{errTransient}
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "22990000001", events[0].Phone)
	assert.Equal(t, "22890000003", events[1].Phone)

	// The skipped number is picked up next time.
	events, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "22990000002", events[0].Phone)
}

func TestPollOnceTransientRangeErrorIsSkipped(t *testing.T) {
	tree := newTree()
	tree.numberErrs["BENIN 761"] = errTransient
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	events, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "22890000003", events[0].Phone)
}

func TestTryPollOnceRejectsWhileBusy(t *testing.T) {
	tree := newTree()
	tree.block = make(chan struct{})
	tree.started = make(chan struct{}, 1)
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	done := make(chan error, 1)
	go func() {
		_, err := p.PollOnce(context.Background())
		done <- err
	}()

	select {
	case <-tree.started:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not start")
	}

	_, err := p.TryPollOnce(context.Background())
	assert.ErrorIs(t, err, ErrPollInProgress)

	close(tree.block)
	require.NoError(t, <-done)

	events, err := p.TryPollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPollOnceMutualExclusion(t *testing.T) {
	tree := newTree()
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	var wg sync.WaitGroup
	total := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := p.PollOnce(context.Background())
			assert.NoError(t, err)
			total <- len(events)
		}()
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	assert.Equal(t, 3, sum, "each SMS is emitted exactly once")
	assert.EqualValues(t, 1, tree.maxSeen.Load())
}

func TestPollOnceCancelledWhileWaiting(t *testing.T) {
	tree := newTree()
	tree.block = make(chan struct{})
	tree.started = make(chan struct{}, 1)
	p, _ := newTestPipeline(t, &fakeAuth{}, tree)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.PollOnce(context.Background())
	}()
	<-tree.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.PollOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(tree.block)
	<-done
}
