package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================
// Test Doubles
// ===========================

type fakeOutput struct {
	mu      sync.Mutex
	begun   []any
	done    func(error)
	failFor map[any]error
	paused  bool
	halts   int
	closes  int
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{failFor: make(map[any]error)}
}

func (f *fakeOutput) Begin(handle any, done func(err error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[handle]; ok {
		return err
	}
	f.begun = append(f.begun, handle)
	f.done = done
	f.paused = false
	return nil
}

func (f *fakeOutput) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *fakeOutput) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *fakeOutput) Halt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
}

func (f *fakeOutput) Close(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

// finish fires the most recent done callback, simulating the stream
// goroutine ending. Must not hold f.mu across the call.
func (f *fakeOutput) finish(err error) {
	f.mu.Lock()
	d := f.done
	f.mu.Unlock()
	d(err)
}

func (f *fakeOutput) lastBegun() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.begun) == 0 {
		return nil
	}
	return f.begun[len(f.begun)-1]
}

func (f *fakeOutput) beginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.begun)
}

func (f *fakeOutput) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeOutput) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakeResolver struct {
	mu      sync.Mutex
	entries map[string][]*QueueEntry
	errs    map[string]error
	panics  map[string]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		entries: make(map[string][]*QueueEntry),
		errs:    make(map[string]error),
		panics:  make(map[string]bool),
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, reference string) ([]*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panics[reference] {
		panic("resolver exploded")
	}
	if err, ok := r.errs[reference]; ok {
		return nil, err
	}
	return r.entries[reference], nil
}

func testEntry(title string) *QueueEntry {
	return &QueueEntry{Reference: "ref:" + title, Title: title, Handle: title}
}

const testGuild = snowflake.ID(100)
const testChannel = snowflake.ID(200)

func newTestSystem(t *testing.T, out *fakeOutput, resolver Resolver, idle time.Duration) (*PlayerSystem, *PlayerSession) {
	t.Helper()
	ps := NewPlayerSystem(resolver, func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		return out, nil
	}, idle)
	s, err := ps.GetOrCreate(context.Background(), testGuild, testChannel)
	require.NoError(t, err)
	require.NotNil(t, s)
	return ps, s
}

// ===========================
// Registry
// ===========================

func TestGetOrCreateReturnsSingleSession(t *testing.T) {
	out := newFakeOutput()
	var connects atomic.Int32
	ps := NewPlayerSystem(newFakeResolver(), func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		connects.Add(1)
		time.Sleep(10 * time.Millisecond)
		return out, nil
	}, 0)

	const n = 8
	results := make([]*PlayerSession, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := ps.GetOrCreate(context.Background(), testGuild, testChannel)
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), connects.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestGetOrCreateConnectFailure(t *testing.T) {
	boom := errors.New("no route to voice")
	attempts := 0
	ps := NewPlayerSystem(newFakeResolver(), func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		attempts++
		if attempts == 1 {
			return nil, boom
		}
		return newFakeOutput(), nil
	}, 0)

	_, err := ps.GetOrCreate(context.Background(), testGuild, testChannel)
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, testGuild, connErr.GuildID)
	assert.ErrorIs(t, err, boom)

	// A failed connect must not leave a dead session behind.
	assert.Nil(t, ps.GetSession(testGuild))

	s, err := ps.GetOrCreate(context.Background(), testGuild, testChannel)
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, 2, attempts)
}

func TestDestroyIsIdempotent(t *testing.T) {
	out := newFakeOutput()
	ps, _ := newTestSystem(t, out, newFakeResolver(), 0)

	ps.Destroy(context.Background(), testGuild)
	ps.Destroy(context.Background(), testGuild)

	assert.Nil(t, ps.GetSession(testGuild))
	assert.Equal(t, 1, out.closeCount())
}

func TestDestroyAbsentGuildIsNoop(t *testing.T) {
	ps := NewPlayerSystem(newFakeResolver(), func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		return newFakeOutput(), nil
	}, 0)
	ps.Destroy(context.Background(), snowflake.ID(999))
}

func TestShutdownClosesAllSessions(t *testing.T) {
	outs := map[snowflake.ID]*fakeOutput{}
	var mu sync.Mutex
	ps := NewPlayerSystem(newFakeResolver(), func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		o := newFakeOutput()
		mu.Lock()
		outs[guildID] = o
		mu.Unlock()
		return o, nil
	}, 0)

	for _, g := range []snowflake.ID{1, 2, 3} {
		_, err := ps.GetOrCreate(context.Background(), g, testChannel)
		require.NoError(t, err)
	}

	ps.Shutdown(context.Background())

	for g, o := range outs {
		assert.Nil(t, ps.GetSession(g))
		assert.Equal(t, 1, o.closeCount(), "guild %s output not closed", g)
	}
}

// ===========================
// Playback & Queue
// ===========================

func TestPlayStartsImmediately(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["song"] = []*QueueEntry{testEntry("song")}
	ps, s := newTestSystem(t, out, resolver, 0)

	entries, err := ps.Play(context.Background(), testGuild, "song")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, "song", s.Current().Title)
	assert.Equal(t, 0, s.QueueLen())
	assert.Equal(t, "song", out.lastBegun())
}

func TestPlayWithoutSessionFails(t *testing.T) {
	ps := NewPlayerSystem(newFakeResolver(), func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		return newFakeOutput(), nil
	}, 0)

	_, err := ps.Play(context.Background(), testGuild, "song")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPlayResolutionFailure(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.errs["broken"] = errors.New("extractor died")
	resolver.entries["good"] = []*QueueEntry{testEntry("good")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "broken")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "broken", resErr.Reference)

	// The failed resolution must release its arrival ticket so later
	// requests do not block behind it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ps.Play(context.Background(), testGuild, "good")
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("play blocked behind a failed resolution ticket")
	}
	assert.Equal(t, StatePlaying, s.State())
}

func TestPlayEmptyResolutionFails(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "nothing")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, StateIdle, s.State())
}

func TestQueueOrderFollowsArrivalNotResolution(t *testing.T) {
	_, s := newTestSystem(t, newFakeOutput(), newFakeResolver(), 0)

	first := s.ReserveSlot()
	second := s.ReserveSlot()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.FillSlot(second, []*QueueEntry{testEntry("second")})
	}()

	// The later ticket must park until the earlier one fills.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.QueueLen())

	s.FillSlot(first, []*QueueEntry{testEntry("first")})
	wg.Wait()

	q := s.QueueSnapshot()
	require.Len(t, q, 2)
	assert.Equal(t, "first", q[0].Title)
	assert.Equal(t, "second", q[1].Title)
}

func TestAutoAdvanceOnCompletion(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["both"] = []*QueueEntry{testEntry("one"), testEntry("two")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "both")
	require.NoError(t, err)
	require.Equal(t, "one", s.Current().Title)

	out.finish(nil)
	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, "two", s.Current().Title)
	assert.Equal(t, 0, s.QueueLen())

	out.finish(nil)
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Current())
}

func TestStartOrResumeOnEmptyQueueStaysIdle(t *testing.T) {
	_, s := newTestSystem(t, newFakeOutput(), newFakeResolver(), 0)

	entry, err := s.StartOrResume()
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, StateIdle, s.State())
}

func TestBeginFailureAdvancesPastBadTrack(t *testing.T) {
	out := newFakeOutput()
	out.failFor["bad"] = errors.New("unsupported codec")
	resolver := newFakeResolver()
	resolver.entries["mixed"] = []*QueueEntry{testEntry("bad"), testEntry("good")}
	ps, s := newTestSystem(t, out, resolver, 0)

	failures := make(chan *QueueEntry, 1)
	s.SetOnTrackError(func(entry *QueueEntry, cause error) {
		failures <- entry
	})

	_, err := ps.Play(context.Background(), testGuild, "mixed")
	require.NoError(t, err)

	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, "good", s.Current().Title)

	select {
	case failed := <-failures:
		assert.Equal(t, "bad", failed.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("track error callback never fired")
	}
}

func TestErrorSignalReportsAndAdvances(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["both"] = []*QueueEntry{testEntry("dying"), testEntry("next")}
	ps, s := newTestSystem(t, out, resolver, 0)

	failures := make(chan *QueueEntry, 1)
	s.SetOnTrackError(func(entry *QueueEntry, cause error) {
		failures <- entry
	})

	_, err := ps.Play(context.Background(), testGuild, "both")
	require.NoError(t, err)

	out.finish(errors.New("stream reset"))

	assert.Equal(t, "next", s.Current().Title)
	select {
	case failed := <-failures:
		assert.Equal(t, "dying", failed.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("track error callback never fired")
	}
}

// ===========================
// Pause / Resume / Stop
// ===========================

func TestPauseResumeRoundTrip(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["song"] = []*QueueEntry{testEntry("song")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "song")
	require.NoError(t, err)

	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())
	assert.True(t, out.isPaused())

	require.NoError(t, s.Resume())
	assert.Equal(t, StatePlaying, s.State())
	assert.False(t, out.isPaused())
	assert.Equal(t, "song", s.Current().Title, "pause must not lose the current track")
}

func TestPauseWhileIdleFails(t *testing.T) {
	_, s := newTestSystem(t, newFakeOutput(), newFakeResolver(), 0)

	err := s.Pause()
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateIdle, stateErr.State)
}

func TestResumeWhilePlayingFails(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["song"] = []*QueueEntry{testEntry("song")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "song")
	require.NoError(t, err)

	var stateErr *InvalidStateError
	require.ErrorAs(t, s.Resume(), &stateErr)
	assert.Equal(t, StatePlaying, stateErr.State)
}

func TestStartOrResumeWhilePausedResumes(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["song"] = []*QueueEntry{testEntry("song")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "song")
	require.NoError(t, err)
	require.NoError(t, s.Pause())

	entry, err := s.StartOrResume()
	require.NoError(t, err)
	assert.Equal(t, "song", entry.Title)
	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, 1, out.beginCount(), "resume must not restart the track")
}

func TestStopDiscardsCurrentKeepsQueue(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["both"] = []*QueueEntry{testEntry("current"), testEntry("queued")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "both")
	require.NoError(t, err)

	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Current())
	require.Equal(t, 1, s.QueueLen())
	assert.Equal(t, "queued", s.QueueSnapshot()[0].Title)

	// Restarting picks up the head of the untouched queue.
	entry, err := s.StartOrResume()
	require.NoError(t, err)
	assert.Equal(t, "queued", entry.Title)
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	out := newFakeOutput()
	_, s := newTestSystem(t, out, newFakeResolver(), 0)

	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, out.halts)
}

// ===========================
// Skip
// ===========================

func TestSkipCurrentAdvances(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["both"] = []*QueueEntry{testEntry("one"), testEntry("two")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "both")
	require.NoError(t, err)

	assert.Equal(t, 1, s.Skip(1))
	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, "two", s.Current().Title)
}

func TestSkipIsBoundedByAvailableTracks(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["three"] = []*QueueEntry{testEntry("x"), testEntry("y"), testEntry("z")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "three")
	require.NoError(t, err)

	assert.Equal(t, 3, s.Skip(5))
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, s.QueueLen())
}

func TestSkipWhileIdleSkipsNothing(t *testing.T) {
	_, s := newTestSystem(t, newFakeOutput(), newFakeResolver(), 0)
	assert.Equal(t, 0, s.Skip(3))
}

func TestSkipCountsCurrentTrackFirst(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["three"] = []*QueueEntry{testEntry("x"), testEntry("y"), testEntry("z")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "three")
	require.NoError(t, err)

	assert.Equal(t, 2, s.Skip(2))
	assert.Equal(t, "z", s.Current().Title)
	assert.Equal(t, 0, s.QueueLen())
}

func TestTrackErrorCallbackSwapIsSerialized(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	var tracks []*QueueEntry
	for i := 0; i < 20; i++ {
		tracks = append(tracks, testEntry(fmt.Sprintf("t%d", i)))
	}
	resolver.entries["many"] = tracks
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "many")
	require.NoError(t, err)

	// Handlers run on their own goroutines, so callback swaps race
	// against error signals unless the session serializes them.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.SetOnTrackError(func(entry *QueueEntry, cause error) {})
			}
		}
	}()

	for i := 0; i < 19; i++ {
		out.finish(errors.New("stream reset"))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, "t19", s.Current().Title)
}

func TestPlayReleasesTicketWhenResolverPanics(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.panics["explode"] = true
	resolver.entries["good"] = []*QueueEntry{testEntry("good")}
	ps, s := newTestSystem(t, out, resolver, 0)

	func() {
		defer func() { _ = recover() }()
		_, _ = ps.Play(context.Background(), testGuild, "explode")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ps.Play(context.Background(), testGuild, "good")
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("play wedged behind a panicked resolution ticket")
	}
	assert.Equal(t, StatePlaying, s.State())
}

func TestCloseReleasesPendingTickets(t *testing.T) {
	ps, s := newTestSystem(t, newFakeOutput(), newFakeResolver(), 0)

	_ = s.ReserveSlot()
	second := s.ReserveSlot()

	released := make(chan struct{})
	go func() {
		defer close(released)
		s.FillSlot(second, []*QueueEntry{testEntry("late")})
	}()

	time.Sleep(20 * time.Millisecond)
	ps.Destroy(context.Background(), testGuild)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("fill still parked after session close")
	}
	assert.Equal(t, 0, s.QueueLen())
}

// ===========================
// Stale Signals
// ===========================

func TestStaleSignalAfterStopIsDiscarded(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["both"] = []*QueueEntry{testEntry("current"), testEntry("queued")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "both")
	require.NoError(t, err)

	out.mu.Lock()
	staleDone := out.done
	out.mu.Unlock()

	s.Stop()

	// The halted stream reports completion late. It must not restart
	// the queue behind the user's back.
	staleDone(nil)
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Current())
	assert.Equal(t, 1, s.QueueLen())
}

func TestStaleSignalAfterSkipIsDiscarded(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["both"] = []*QueueEntry{testEntry("one"), testEntry("two")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "both")
	require.NoError(t, err)

	out.mu.Lock()
	staleDone := out.done
	out.mu.Unlock()

	require.Equal(t, 1, s.Skip(1))
	require.Equal(t, "two", s.Current().Title)

	staleDone(nil)
	assert.Equal(t, "two", s.Current().Title, "stale completion must not double-advance")
	assert.Equal(t, 2, out.beginCount())
}

func TestSignalAfterCloseIsDiscarded(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["song"] = []*QueueEntry{testEntry("song")}
	ps, s := newTestSystem(t, out, resolver, 0)

	_, err := ps.Play(context.Background(), testGuild, "song")
	require.NoError(t, err)

	out.mu.Lock()
	staleDone := out.done
	out.mu.Unlock()

	ps.Destroy(context.Background(), testGuild)
	staleDone(nil)
	assert.Equal(t, StateIdle, s.State())
}

// ===========================
// Idle Teardown
// ===========================

func TestIdleTeardownDestroysSession(t *testing.T) {
	out := newFakeOutput()
	ps, _ := newTestSystem(t, out, newFakeResolver(), 30*time.Millisecond)

	require.Eventually(t, func() bool {
		return ps.GetSession(testGuild) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, out.closeCount())
}

func TestIdleTeardownDisabledByZeroTimeout(t *testing.T) {
	ps, _ := newTestSystem(t, newFakeOutput(), newFakeResolver(), 0)

	time.Sleep(60 * time.Millisecond)
	assert.NotNil(t, ps.GetSession(testGuild))
}

func TestPlaybackDisarmsIdleTeardown(t *testing.T) {
	out := newFakeOutput()
	resolver := newFakeResolver()
	resolver.entries["song"] = []*QueueEntry{testEntry("song")}
	ps, s := newTestSystem(t, out, resolver, 50*time.Millisecond)

	_, err := ps.Play(context.Background(), testGuild, "song")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.NotNil(t, ps.GetSession(testGuild), "an active session must not be torn down")
	assert.Equal(t, StatePlaying, s.State())

	// Draining the queue re-arms the timer.
	out.finish(nil)
	require.Eventually(t, func() bool {
		return ps.GetSession(testGuild) == nil
	}, 2*time.Second, 10*time.Millisecond)
}
