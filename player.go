package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

const (
	MsgPlayerStaleSignal     = "Ignoring stale signal for guild %s (gen %d, current %d)"
	MsgPlayerTrackFailed     = "Track failed in guild %s: %s: %v"
	MsgPlayerAdvancing       = "Advancing queue in guild %s: %s"
	MsgPlayerIdle            = "Queue drained in guild %s, going idle"
	MsgPlayerIdleTeardown    = "Idle timeout reached in guild %s, tearing down session"
	MsgPlayerSessionCreated  = "Created playback session for guild %s (channel %s)"
	MsgPlayerSessionDestroy  = "Destroying playback session for guild %s"
	MsgPlayerBeginFailed     = "Output begin failed in guild %s for %s: %v"
	MsgPlayerShutdown        = "Shutting down %d playback session(s)..."
	MsgPlayerConnectFail     = "failed to establish voice output: %w"
	MsgPlayerNothingPlaying  = "nothing is playing"
	MsgPlayerNothingPaused   = "nothing is paused"
	MsgPlayerNotConnected    = "not connected to a voice channel"
	MsgPlayerNoPlayableItems = "no playable items for %q"
)

// ===========================
// States & Entries
// ===========================

// PlaybackState is the session-wide controller state.
type PlaybackState int32

const (
	StateIdle PlaybackState = iota
	StatePlaying
	StatePaused
	StateStopped
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// SourceKind says how a queue entry's reference was turned playable.
type SourceKind int

const (
	SourceDirect SourceKind = iota
	SourceCatalog
)

func (k SourceKind) String() string {
	if k == SourceCatalog {
		return "catalog"
	}
	return "direct"
}

// QueueEntry is a resolved, playable reference waiting for its turn.
// Immutable once created.
type QueueEntry struct {
	Reference string
	Title     string
	Channel   string
	Kind      SourceKind
	Duration  time.Duration
	Handle    any
}

// DisplayTitle returns a human-readable label for the entry.
func (e *QueueEntry) DisplayTitle() string {
	if e.Title != "" {
		return e.Title
	}
	return e.Reference
}

// ===========================
// External Seams
// ===========================

// Resolver turns a user-supplied reference (URL or search text) into
// zero or more playable queue entries.
type Resolver interface {
	Resolve(ctx context.Context, reference string) ([]*QueueEntry, error)
}

// Output is the live audio connection for one guild. Begin must return
// quickly; streaming happens on goroutines the output owns. done fires
// exactly once per Begin: nil on natural completion, non-nil on a
// stream or decode failure. A Halt may cause a late done, which the
// session discards by generation.
type Output interface {
	Begin(handle any, done func(err error)) error
	Pause() error
	Resume() error
	Halt()
	Close(ctx context.Context)
}

// OutputFactory establishes the Output for a guild's voice channel.
type OutputFactory func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error)

// ===========================
// Errors
// ===========================

// ConnectionError means the voice output could not be established or kept.
type ConnectionError struct {
	GuildID snowflake.ID
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("voice connection failed for guild %s: %v", e.GuildID, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// ResolutionError means a reference yielded nothing playable.
type ResolutionError struct {
	Reference string
	Cause     error
}

func (e *ResolutionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf(MsgPlayerNoPlayableItems, e.Reference)
	}
	return fmt.Sprintf("failed to resolve %q: %v", e.Reference, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// InvalidStateError means the operation is not defined for the current state.
type InvalidStateError struct {
	Op    string
	State PlaybackState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

var ErrNotConnected = errors.New(MsgPlayerNotConnected)

// ===========================
// Player System (Session Registry)
// ===========================

var (
	PlayerManager *PlayerSystem
	OncePlayer    sync.Once
)

// PlayerSystem owns every playback session, keyed by guild.
type PlayerSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*PlayerSession

	resolver    Resolver
	outputs     OutputFactory
	idleTimeout time.Duration
}

// NewPlayerSystem builds a registry around the given seams. idleTimeout 0
// disables idle teardown.
func NewPlayerSystem(resolver Resolver, outputs OutputFactory, idleTimeout time.Duration) *PlayerSystem {
	return &PlayerSystem{
		sessions:    make(map[snowflake.ID]*PlayerSession),
		resolver:    resolver,
		outputs:     outputs,
		idleTimeout: idleTimeout,
	}
}

// GetSession retrieves the live session for a guild, or nil.
func (ps *PlayerSystem) GetSession(guildID snowflake.ID) *PlayerSession {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := ps.sessions[guildID]
	if s != nil && s.isClosed() {
		delete(ps.sessions, guildID)
		return nil
	}
	return s
}

// GetOrCreate returns the existing session for a guild or creates one,
// establishing the voice output to channelID. Concurrent calls for the
// same guild serialize on the session's ready channel so exactly one
// output connection is ever opened.
func (ps *PlayerSystem) GetOrCreate(ctx context.Context, guildID, channelID snowflake.ID) (*PlayerSession, error) {
	ps.mu.Lock()
	if s, ok := ps.sessions[guildID]; ok && !s.isClosed() {
		ps.mu.Unlock()
		return s.awaitReady(ctx)
	}

	s := newPlayerSession(ps, guildID, channelID)
	ps.sessions[guildID] = s
	ps.mu.Unlock()

	// Connect outside the registry lock; waiters park on readyChan.
	out, err := ps.outputs(ctx, guildID, channelID)

	s.mu.Lock()
	if err != nil {
		s.connectErr = &ConnectionError{GuildID: guildID, Cause: err}
		s.closed = true
		close(s.readyChan)
		s.mu.Unlock()

		ps.mu.Lock()
		if ps.sessions[guildID] == s {
			delete(ps.sessions, guildID)
		}
		ps.mu.Unlock()
		return nil, s.connectErr
	}
	s.output = out
	close(s.readyChan)
	s.armIdleLocked()
	s.mu.Unlock()

	LogPlayer(MsgPlayerSessionCreated, guildID, channelID)
	return s, nil
}

// Destroy tears down a guild's session: halts output, clears the queue,
// releases the registry slot. Destroying an absent session is a no-op.
func (ps *PlayerSystem) Destroy(ctx context.Context, guildID snowflake.ID) {
	ps.mu.Lock()
	s, ok := ps.sessions[guildID]
	if !ok {
		ps.mu.Unlock()
		return
	}
	delete(ps.sessions, guildID)
	ps.mu.Unlock()

	LogPlayer(MsgPlayerSessionDestroy, guildID)
	s.close(ctx)
}

// Play resolves a reference and appends the results in request-arrival
// order, then kicks the controller. The resolution runs outside the
// session lock; the arrival ticket keeps FIFO intact even when a slower
// resolution finishes after a later one.
func (ps *PlayerSystem) Play(ctx context.Context, guildID snowflake.ID, reference string) ([]*QueueEntry, error) {
	s := ps.GetSession(guildID)
	if s == nil {
		return nil, ErrNotConnected
	}

	ticket := s.ReserveSlot()
	filled := false
	// The ticket must be released even when the resolver panics, or every
	// later fill for this guild wedges behind it.
	defer func() {
		if !filled {
			s.FillSlot(ticket, nil)
		}
	}()

	entries, err := ps.resolver.Resolve(ctx, reference)
	if err != nil {
		return nil, &ResolutionError{Reference: reference, Cause: err}
	}
	if len(entries) == 0 {
		return nil, &ResolutionError{Reference: reference}
	}
	s.FillSlot(ticket, entries)
	filled = true

	if _, err := s.StartOrResume(); err != nil {
		return entries, err
	}
	return entries, nil
}

// Shutdown drains every session. Used by the daemon shutdown hook.
func (ps *PlayerSystem) Shutdown(ctx context.Context) {
	ps.mu.Lock()
	sessions := make([]*PlayerSession, 0, len(ps.sessions))
	for id, s := range ps.sessions {
		sessions = append(sessions, s)
		delete(ps.sessions, id)
	}
	ps.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	LogPlayer(MsgPlayerShutdown, len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *PlayerSession) {
			defer wg.Done()
			s.close(ctx)
		}(s)
	}
	wg.Wait()
}

// ===========================
// Player Session (Queue + Controller)
// ===========================

// PlayerSession is the per-guild actor: one output, one queue, one
// now-playing entry, one state. Every mutating operation holds mu, so the
// session behaves as a single writer; completion signals racing a user
// command can never both advance the same slot.
type PlayerSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID

	mu    sync.Mutex
	state PlaybackState
	queue []*QueueEntry
	now   *QueueEntry
	gen   uint64

	output     Output
	readyChan  chan struct{}
	connectErr error
	closed     bool

	// Arrival-order ticketing for concurrent resolutions.
	slotMu     sync.Mutex
	slotCond   *sync.Cond
	nextSlot   uint64
	nextFill   uint64
	slotClosed bool

	idleTimer *time.Timer
	system    *PlayerSystem

	// onTrackError is invoked (off-lock) when a track dies mid-stream,
	// so the command layer can tell the user which one failed.
	onTrackError func(entry *QueueEntry, cause error)
}

func newPlayerSession(ps *PlayerSystem, guildID, channelID snowflake.ID) *PlayerSession {
	s := &PlayerSession{
		GuildID:   guildID,
		ChannelID: channelID,
		state:     StateIdle,
		queue:     make([]*QueueEntry, 0),
		readyChan: make(chan struct{}),
		system:    ps,
	}
	s.slotCond = sync.NewCond(&s.slotMu)
	return s
}

func (s *PlayerSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// awaitReady blocks until the creator finished (or failed) connecting.
func (s *PlayerSession) awaitReady(ctx context.Context) (*PlayerSession, error) {
	select {
	case <-s.readyChan:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	if s.closed {
		return nil, ErrNotConnected
	}
	return s, nil
}

// State returns the current controller state.
func (s *PlayerSession) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the now-playing entry, or nil.
func (s *PlayerSession) Current() *QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// QueueSnapshot returns a read-only copy of the pending queue.
func (s *PlayerSession) QueueSnapshot() []*QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueueEntry, len(s.queue))
	copy(out, s.queue)
	return out
}

// QueueLen returns the number of pending entries.
func (s *PlayerSession) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Output exposes the session's output connection for live adjustments.
func (s *PlayerSession) Output() Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// SetOnTrackError registers the per-track failure callback. Handlers run
// on their own goroutines, so the swap takes the session lock.
func (s *PlayerSession) SetOnTrackError(cb func(entry *QueueEntry, cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrackError = cb
}

// ===========================
// Arrival-Order Enqueue
// ===========================

// ReserveSlot takes an arrival ticket. Call it synchronously when the
// play request arrives, before resolving, so queue order follows request
// order rather than resolution-completion order.
func (s *PlayerSession) ReserveSlot() uint64 {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	t := s.nextSlot
	s.nextSlot++
	return t
}

// FillSlot appends entries for a ticket, blocking until every earlier
// ticket has filled. A nil or empty fill releases the slot without
// touching the queue (failed resolutions must still release). Closing
// the session releases every waiter; their entries are dropped.
func (s *PlayerSession) FillSlot(ticket uint64, entries []*QueueEntry) {
	s.slotMu.Lock()
	for ticket != s.nextFill && !s.slotClosed {
		s.slotCond.Wait()
	}
	if s.slotClosed {
		s.slotMu.Unlock()
		return
	}
	if len(entries) > 0 {
		s.Enqueue(entries)
	}
	s.nextFill++
	s.slotCond.Broadcast()
	s.slotMu.Unlock()
}

// Enqueue appends at the tail, preserving input order.
func (s *PlayerSession) Enqueue(entries []*QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, entries...)
	s.disarmIdleLocked()
}

// ===========================
// Controller
// ===========================

// StartOrResume kicks the state machine: Idle with a queued entry begins
// it, Paused resumes the existing output, Playing is a no-op. Returns the
// entry that is playing after the call, or nil when there was nothing to
// play.
func (s *PlayerSession) StartOrResume() (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNotConnected
	}

	switch s.state {
	case StatePlaying:
		return s.now, nil
	case StatePaused:
		if err := s.output.Resume(); err != nil {
			return s.now, err
		}
		s.state = StatePlaying
		return s.now, nil
	default:
		return s.beginNextLocked(), nil
	}
}

// beginNextLocked dequeues and starts heads until one begins cleanly or
// the queue drains. Caller holds mu.
func (s *PlayerSession) beginNextLocked() *QueueEntry {
	for len(s.queue) > 0 {
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.now = e
		s.gen++
		gen := s.gen

		// Begin is contractually fast: it swaps the frame source and
		// spawns its own goroutines, so holding mu here keeps the
		// single-writer guarantee without stalling other guilds.
		err := s.output.Begin(e.Handle, func(cause error) {
			s.signal(gen, cause)
		})
		if err == nil {
			s.state = StatePlaying
			s.disarmIdleLocked()
			return e
		}

		LogPlayer(MsgPlayerBeginFailed, s.GuildID, e.DisplayTitle(), err)
		s.now = nil
		s.reportErrorLocked(e, err)
	}

	s.now = nil
	s.state = StateIdle
	s.armIdleLocked()
	return nil
}

// Pause is valid only while Playing.
func (s *PlayerSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if s.state != StatePlaying {
		return &InvalidStateError{Op: "pause", State: s.state}
	}
	if err := s.output.Pause(); err != nil {
		return err
	}
	s.state = StatePaused
	return nil
}

// Resume is valid only while Paused.
func (s *PlayerSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if s.state != StatePaused {
		return &InvalidStateError{Op: "resume", State: s.state}
	}
	if err := s.output.Resume(); err != nil {
		return err
	}
	s.state = StatePlaying
	return nil
}

// Stop halts the output and discards the now-playing entry without
// requeuing it. The queue is untouched. A stop while Idle is a no-op.
func (s *PlayerSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.armIdleLocked()
}

// stopLocked performs the Playing/Paused -> Stopped -> Idle transition.
// Bumping gen first invalidates any in-flight signal for the halted
// track. Caller holds mu.
func (s *PlayerSession) stopLocked() {
	if s.state != StatePlaying && s.state != StatePaused {
		return
	}
	s.state = StateStopped
	s.gen++
	s.now = nil
	s.output.Halt()
	s.state = StateIdle
}

// Skip discards the current track (if any) plus up to count-1 queued
// entries, then starts whatever remains. Returns the number actually
// skipped, which is at most the current track plus the queue length.
func (s *PlayerSession) Skip(count int) int {
	if count < 1 {
		count = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	skipped := 0
	if s.state == StatePlaying || s.state == StatePaused {
		s.stopLocked()
		skipped++
		count--
	}
	if count > len(s.queue) {
		count = len(s.queue)
	}
	if count > 0 {
		s.queue = s.queue[count:]
		skipped += count
	}

	s.beginNextLocked()
	return skipped
}

// signal is the single inbound path for completion and error events from
// the output. A signal whose generation no longer matches the now-playing
// generation is stale (the track was already superseded by stop or skip)
// and is discarded without effect.
func (s *PlayerSession) signal(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || s.now == nil || gen != s.gen {
		cur := s.gen
		s.mu.Unlock()
		LogPlayer(MsgPlayerStaleSignal, s.GuildID, gen, cur)
		return
	}

	finished := s.now
	s.now = nil
	if cause != nil {
		s.reportErrorLocked(finished, cause)
	}

	next := s.beginNextLocked()
	s.mu.Unlock()

	if next != nil {
		LogPlayer(MsgPlayerAdvancing, s.GuildID, next.DisplayTitle())
	} else {
		LogPlayer(MsgPlayerIdle, s.GuildID)
	}
}

// reportErrorLocked logs a per-track failure and fans it out to the
// facade callback off-lock. Caller holds mu.
func (s *PlayerSession) reportErrorLocked(entry *QueueEntry, cause error) {
	LogPlayer(MsgPlayerTrackFailed, s.GuildID, entry.DisplayTitle(), cause)
	if cb := s.onTrackError; cb != nil {
		go cb(entry, cause)
	}
}

// ===========================
// Lifecycle
// ===========================

// close tears the session down: invalidates signals, halts and closes the
// output, drops the queue. Safe to call more than once.
func (s *PlayerSession) close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.queue = nil
	s.now = nil
	s.state = StateIdle
	s.disarmIdleLocked()
	out := s.output
	s.output = nil
	s.mu.Unlock()

	s.slotMu.Lock()
	s.slotClosed = true
	s.slotCond.Broadcast()
	s.slotMu.Unlock()

	if out != nil {
		out.Halt()
		out.Close(ctx)
	}
}

// armIdleLocked schedules idle teardown when the session is at rest with
// an empty queue. Caller holds mu.
func (s *PlayerSession) armIdleLocked() {
	if s.system == nil || s.system.idleTimeout <= 0 || s.closed {
		return
	}
	if s.state != StateIdle || len(s.queue) > 0 {
		return
	}
	s.disarmIdleLocked()
	s.idleTimer = time.AfterFunc(s.system.idleTimeout, func() {
		s.mu.Lock()
		expired := !s.closed && s.state == StateIdle && len(s.queue) == 0 && s.now == nil
		s.mu.Unlock()
		if expired {
			LogPlayer(MsgPlayerIdleTeardown, s.GuildID)
			s.system.Destroy(context.Background(), s.GuildID)
		}
	})
}

func (s *PlayerSession) disarmIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
