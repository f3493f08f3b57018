package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fwdslsh/dispatch/pkg/observability"
)

// DefaultQueueSize is the default per-stream append queue depth.
const DefaultQueueSize = 256

// DefaultSubscriberBuffer is the default per-subscription channel buffer.
// A subscriber that falls this far behind starts losing events; the
// transport layer detects the gap via seq and re-attaches with replay.
const DefaultSubscriberBuffer = 256

// AppendOptions tunes a single append.
type AppendOptions struct {
	// Suppress skips live publication; the event is only persisted.
	Suppress bool
}

// Handler consumes replayed events in order. Returning an error aborts the
// replay.
type Handler func(*Event) error

// ServiceConfig tunes the event service.
type ServiceConfig struct {
	// QueueSize is the per-stream append queue depth.
	QueueSize int
	// SubscriberBuffer is the per-subscription channel buffer.
	SubscriberBuffer int
	// Logger receives structured service logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service owns per-stream sequence allocation and live fan-out on top of a
// Store. Each initialized stream gets one worker goroutine draining a FIFO
// queue, so concurrent Append calls on the same stream can never race for
// a sequence number; different streams run fully in parallel.
type Service struct {
	store   Store
	logger  *slog.Logger
	qsize   int
	subBuf  int
	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// NewService creates an event service over the given store.
func NewService(store Store, cfg ServiceConfig) *Service {
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = DefaultQueueSize
	}
	subBuf := cfg.SubscriberBuffer
	if subBuf <= 0 {
		subBuf = DefaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		logger:  logger.With("component", "eventlog"),
		qsize:   qsize,
		subBuf:  subBuf,
		streams: make(map[string]*stream),
	}
}

type appendRequest struct {
	channel  Channel
	typ      EventType
	payload  []byte
	suppress bool
	result   chan appendResult
}

type appendResult struct {
	event *Event
	err   error
}

// stream is the per-stream worker state. The sequence counter is only ever
// touched by the worker goroutine.
type stream struct {
	id    string
	next  int64
	queue chan *appendRequest
	quit  chan struct{}
	done  chan struct{}

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// Subscription delivers live events for one stream. Close it when done.
type Subscription struct {
	st   *stream
	ch   chan *Event
	once sync.Once
}

// Events returns the live event channel. The channel is closed when the
// subscription is closed or the stream is cleaned up.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Close detaches the subscription from its stream.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.st.subMu.Lock()
		delete(s.st.subs, s)
		s.st.subMu.Unlock()
		close(s.ch)
	})
}

// InitializeStream prepares a stream for appends: it reads max(seq) from
// the store, sets the next-sequence counter to max+1, and starts the
// stream's worker. It must be called before the first Append and again
// after any full reset (for example after bulk deletion). Re-initializing
// an active stream stops its worker first; in-flight appends complete
// before the counter is recomputed.
func (s *Service) InitializeStream(ctx context.Context, streamID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	prev := s.streams[streamID]
	delete(s.streams, streamID)
	s.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	maxSeq, err := s.store.MaxSeq(ctx, streamID)
	if err != nil {
		return &PersistenceError{StreamID: streamID, Err: err}
	}

	st := &stream{
		id:    streamID,
		next:  maxSeq + 1,
		queue: make(chan *appendRequest, s.qsize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		subs:  make(map[*Subscription]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	s.streams[streamID] = st
	streamCount := len(s.streams)
	s.mu.Unlock()

	go s.runWorker(st)

	observability.SetActiveStreams(streamCount)
	s.logger.Debug("stream initialized", "streamId", streamID, "nextSeq", st.next)
	return nil
}

// Append enqueues one event on the stream's FIFO queue and waits for the
// worker to persist it. On success the returned event carries its
// allocated seq. On persistence failure the counter is not advanced, so a
// retry after re-initialization cannot produce a gap.
func (s *Service) Append(ctx context.Context, streamID string, channel Channel, typ EventType, payload []byte, opts AppendOptions) (*Event, error) {
	st, err := s.lookup(streamID)
	if err != nil {
		return nil, err
	}

	req := &appendRequest{
		channel:  channel,
		typ:      typ,
		payload:  payload,
		suppress: opts.Suppress,
		result:   make(chan appendResult, 1),
	}

	select {
	case st.queue <- req:
	case <-st.quit:
		return nil, ErrStreamNotInitialized
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.event, res.err
	case <-st.done:
		// The worker exited between the enqueue and its final drain, so
		// the request may sit in a dead queue. The result channel is
		// buffered, so a write that did land is still readable.
		select {
		case res := <-req.result:
			return res.event, res.err
		default:
			return nil, ErrStreamNotInitialized
		}
	case <-ctx.Done():
		// The worker will still complete the write; only the ack is
		// abandoned.
		return nil, ctx.Err()
	}
}

// EventsSince returns persisted events with seq > afterSeq in order.
func (s *Service) EventsSince(ctx context.Context, streamID string, afterSeq int64, limit int) ([]*Event, error) {
	return s.store.EventsSince(ctx, streamID, afterSeq, limit)
}

// Replay feeds events in [from+1, to] to handler in seq order. to <= 0
// means "through the latest persisted event". Used both for reconnect
// replay and for rebuilding derived state.
func (s *Service) Replay(ctx context.Context, streamID string, from, to int64, handler Handler) error {
	events, err := s.store.EventsSince(ctx, streamID, from, 0)
	if err != nil {
		return &PersistenceError{StreamID: streamID, Err: err}
	}
	for _, ev := range events {
		if to > 0 && ev.Seq > to {
			break
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot appends a type=snapshot event capturing cumulative state, which
// bounds future replay cost. Snapshots share the stream's sequence space.
func (s *Service) Snapshot(ctx context.Context, streamID string, payload []byte) (*Event, error) {
	return s.Append(ctx, streamID, ChannelSystemStatus, TypeSnapshot, payload, AppendOptions{})
}

// Subscribe registers a live subscriber for a stream. Events published
// after Subscribe returns are delivered in seq order. The stream must be
// initialized; for retired streams callers fall back to replay-only reads.
func (s *Service) Subscribe(streamID string) (*Subscription, error) {
	st, err := s.lookup(streamID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		st: st,
		ch: make(chan *Event, s.subBuf),
	}
	st.subMu.Lock()
	st.subs[sub] = struct{}{}
	st.subMu.Unlock()
	return sub, nil
}

// CleanupStream stops a stream's worker and releases its queue, counter,
// and subscriber memory. Call it when a session is fully retired; the
// stream can be revived later with InitializeStream.
func (s *Service) CleanupStream(streamID string) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	streamCount := len(s.streams)
	s.mu.Unlock()

	if !ok {
		return
	}
	st.stop()
	observability.SetActiveStreams(streamCount)
	s.logger.Debug("stream cleaned up", "streamId", streamID)
}

// Close stops all stream workers and closes the service. The underlying
// store is left open; it is owned by the caller.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[string]*stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.stop()
	}
}

func (s *Service) lookup(streamID string) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	st, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotInitialized
	}
	return st, nil
}

// runWorker drains a stream's append queue. It is the only goroutine that
// reads or writes the stream's sequence counter.
func (s *Service) runWorker(st *stream) {
	defer close(st.done)
	for {
		select {
		case <-st.quit:
			s.drain(st)
			st.closeSubs()
			return
		case req := <-st.queue:
			s.handleAppend(st, req)
		}
	}
}

// drain rejects any requests queued behind the stop signal.
func (s *Service) drain(st *stream) {
	for {
		select {
		case req := <-st.queue:
			req.result <- appendResult{err: ErrStreamNotInitialized}
		default:
			return
		}
	}
}

func (s *Service) handleAppend(st *stream, req *appendRequest) {
	start := time.Now()
	event := &Event{
		StreamID: st.id,
		Seq:      st.next,
		Channel:  req.channel,
		Type:     req.typ,
		Payload:  req.payload,
		TS:       time.Now().UTC(),
	}

	// Bound the store write so a stuck backend cannot wedge the worker.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := s.store.Append(ctx, event)
	cancel()

	if err != nil {
		observability.RecordAppendFailure(string(req.channel))
		if errors.Is(err, ErrDuplicateSeq) {
			// Single-writer discipline makes this unreachable unless two
			// service instances share a stream or storage was mutated
			// underneath us. Fail loudly, never re-allocate the seq.
			cerr := &ConcurrencyError{StreamID: st.id, Seq: event.Seq}
			s.logger.Error("sequence collision, stream needs re-initialization",
				"streamId", st.id, "seq", event.Seq)
			req.result <- appendResult{err: cerr}
			return
		}
		// Counter not advanced: the failed seq is reused on retry.
		req.result <- appendResult{err: &PersistenceError{StreamID: st.id, Seq: event.Seq, Err: err}}
		return
	}

	st.next++
	observability.RecordEventAppended(string(req.channel), time.Since(start))

	if !req.suppress {
		st.publish(event, s.logger)
	}
	req.result <- appendResult{event: event}
}

func (st *stream) publish(event *Event, logger *slog.Logger) {
	st.subMu.Lock()
	defer st.subMu.Unlock()
	for sub := range st.subs {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop rather than block the stream worker.
			// The transport detects the seq gap and re-attaches.
			logger.Warn("dropping event for slow subscriber",
				"streamId", event.StreamID, "seq", event.Seq)
		}
	}
}

func (st *stream) stop() {
	close(st.quit)
	<-st.done
}

func (st *stream) closeSubs() {
	st.subMu.Lock()
	subs := make([]*Subscription, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	st.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
