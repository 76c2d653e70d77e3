package replication

import (
	"bufio"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/node"
	"github.com/kegdisplay/tapsync/utils/log"
)

// State is the sync-session state machine position.
type State int8

const (
	StateConnecting State = iota
	StateHandshake
	StateNegotiating
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrResyncRequired marks a session that failed because the peer can no
// longer supply a requested range. The coordinator reacts by requesting the
// origin's full log on the next attempt.
var ErrResyncRequired = errors.New("resync required")

// Applier is the session's view of the local database adapter.
type Applier interface {
	Apply(ctx context.Context, e changelog.Entry) (bool, error)
	AppliedWatermarks() (map[string]uint64, error)
	AppliedSequence(origin string) (uint64, error)
	SetPrimary(nodeID string)
}

// SessionConfig carries the per-node constants of a session.
type SessionConfig struct {
	NodeID           string
	Role             node.Role
	HandshakeTimeout time.Duration
	StreamTimeout    time.Duration
	BatchSize        int
}

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultStreamTimeout    = 30 * time.Second
	defaultBatchSize        = 200
)

func (c *SessionConfig) fill() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
}

// Session transfers the precisely missing entries between this node and one
// peer for a single synchronization round. The same type runs on both the
// dialing and the accepting side; only who speaks first differs.
type Session struct {
	cfg    SessionConfig
	conn   Conn
	clog   *changelog.Store
	db     Applier
	dialer bool
	resync *resyncSet

	// register is called once the peer's identity is known. It returns a
	// release hook invoked with the session result, or an error to reject
	// the session (e.g. a duplicate session with the same peer).
	register func(peerID string, role node.Role, marks map[string]uint64) (func(error), error)

	wmu sync.Mutex
	w   *bufio.Writer
	r   *bufio.Reader

	smu      sync.Mutex
	state    State
	peerID   string
	peerRole node.Role
}

// newSession wraps an established connection. The dialer sends Hello first.
func newSession(cfg SessionConfig, conn Conn, clog *changelog.Store, db Applier,
	dialer bool, resync *resyncSet,
	register func(peerID string, role node.Role, marks map[string]uint64) (func(error), error),
) *Session {
	cfg.fill()
	return &Session{
		cfg:      cfg,
		conn:     conn,
		clog:     clog,
		db:       db,
		dialer:   dialer,
		resync:   resync,
		register: register,
		w:        bufio.NewWriter(conn),
		r:        bufio.NewReader(conn),
		state:    StateConnecting,
	}
}

// State returns the current state machine position.
func (s *Session) State() State {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.state
}

// PeerID returns the peer's node ID once the handshake completed.
func (s *Session) PeerID() string {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.peerID
}

func (s *Session) setState(st State) {
	s.smu.Lock()
	prev := s.state
	s.state = st
	s.smu.Unlock()
	log.Debug("session %s: %s -> %s", s.conn.RemoteAddr(), prev, st)
}

// Run drives the session to completion. The connection is closed on every
// exit path; a watermark advances only when an entry is fully applied, so
// cancellation or disconnect at any point preserves correctness.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		_ = s.conn.Close()
		if err != nil {
			s.setState(StateFailed)
		}
	}()

	release := func(error) {}
	defer func() { release(err) }()

	peerHello, err := s.handshake()
	if err != nil {
		return err
	}
	if s.register != nil {
		rel, regErr := s.register(peerHello.NodeID, peerHello.Role, peerHello.Watermarks)
		if regErr != nil {
			return regErr
		}
		release = rel
	}

	peerReq, ourReq, err := s.negotiate(peerHello)
	if err != nil {
		return err
	}

	return s.streamPhase(ctx, peerReq, ourReq)
}

// handshake exchanges Hello frames under the short timeout. Peer assumed
// gone if it does not answer promptly.
func (s *Session) handshake() (*Hello, error) {
	s.setState(StateHandshake)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "failed to set handshake deadline")
	}

	marks, err := s.db.AppliedWatermarks()
	if err != nil {
		return nil, err
	}
	ours := &Frame{Kind: KindHello, Hello: &Hello{
		Proto:      ProtoVersion,
		NodeID:     s.cfg.NodeID,
		Role:       s.cfg.Role,
		Watermarks: marks,
	}}

	var theirs *Frame
	if s.dialer {
		if err := s.write(ours, deadline); err != nil {
			return nil, err
		}
		if theirs, err = readFrame(s.r); err != nil {
			return nil, err
		}
	} else {
		if theirs, err = readFrame(s.r); err != nil {
			return nil, err
		}
		if err := s.write(ours, deadline); err != nil {
			return nil, err
		}
	}

	if theirs.Kind != KindHello || theirs.Hello == nil {
		return nil, errors.Errorf("expected hello, got %s", theirs.Kind)
	}
	hello := theirs.Hello
	if hello.Proto != ProtoVersion {
		s.sendError(CodeProtoMismatch, "", "unsupported protocol version")
		return nil, errors.Errorf("peer speaks protocol %d, want %d", hello.Proto, ProtoVersion)
	}

	s.smu.Lock()
	s.peerID = hello.NodeID
	s.peerRole = hello.Role
	s.smu.Unlock()

	if hello.Role == node.RolePrimary {
		s.db.SetPrimary(hello.NodeID)
	}
	return hello, nil
}

// negotiate exchanges Request frames and verifies this side can serve what
// the peer asked for.
func (s *Session) negotiate(peerHello *Hello) (peerReq, ourReq *Request, err error) {
	s.setState(StateNegotiating)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, errors.Wrap(err, "failed to set negotiation deadline")
	}

	ourReq, err = s.buildRequest(peerHello)
	if err != nil {
		return nil, nil, err
	}
	if err := s.write(&Frame{Kind: KindRequest, Request: ourReq}, deadline); err != nil {
		return nil, nil, err
	}

	f, err := readFrame(s.r)
	if err != nil {
		return nil, nil, err
	}
	switch f.Kind {
	case KindRequest:
		peerReq = f.Request
	case KindError:
		return nil, nil, s.handleErrorFrame(f.Error)
	default:
		return nil, nil, errors.Errorf("expected request, got %s", f.Kind)
	}

	if err := s.checkServeable(peerReq); err != nil {
		return nil, nil, err
	}
	return peerReq, ourReq, nil
}

// buildRequest computes, for every origin the peer advertises beyond our
// applied watermark, the range we still need. Origins flagged for resync are
// re-requested from sequence zero.
func (s *Session) buildRequest(peerHello *Hello) (*Request, error) {
	applied, err := s.db.AppliedWatermarks()
	if err != nil {
		return nil, err
	}
	req := &Request{Wants: map[string]uint64{}}
	for origin, peerSeq := range peerHello.Watermarks {
		if origin == s.cfg.NodeID {
			// Never pull our own entries back; we are their source of truth.
			continue
		}
		if s.resync.needs(origin) {
			req.Wants[origin] = 0
			req.Full = append(req.Full, origin)
			continue
		}
		if peerSeq > applied[origin] {
			req.Wants[origin] = applied[origin]
		}
	}
	sort.Strings(req.Full)
	return req, nil
}

// checkServeable fails the session explicitly when the peer requests a range
// this node's log no longer holds, instead of silently skipping entries.
func (s *Session) checkServeable(req *Request) error {
	full := map[string]bool{}
	for _, origin := range req.Full {
		full[origin] = true
	}
	for origin, after := range req.Wants {
		highest, err := s.clog.HighestSequence(origin)
		if err != nil {
			return err
		}
		if highest == 0 || highest <= after {
			continue // nothing to send for this origin
		}
		lowest, err := s.clog.LowestSequence(origin)
		if err != nil {
			return err
		}
		start := after + 1
		if full[origin] {
			start = 1
		}
		if lowest > start {
			s.sendError(CodeResyncRequired, origin, "requested range no longer retained")
			return errors.Wrapf(ErrResyncRequired,
				"peer %s needs %s from %d but log starts at %d", s.PeerID(), origin, start, lowest)
		}
	}
	return nil
}

// streamPhase runs the bidirectional transfer: a writer goroutine serves the
// peer's request while the main loop applies what the peer streams to us.
func (s *Session) streamPhase(ctx context.Context, peerReq, ourReq *Request) error {
	s.setState(StateStreaming)

	writerErr := make(chan error, 1)
	go func() {
		writerErr <- s.serve(ctx, peerReq)
	}()

	sink := newApplySink(s.db)
	var recvErr error
	// The peer always terminates its half with a Complete frame, even when it
	// has nothing to send.
	for done := false; !done; {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.StreamTimeout)); err != nil {
			recvErr = errors.Wrap(err, "failed to set stream deadline")
			break
		}
		f, err := readFrame(s.r)
		if err != nil {
			recvErr = errors.Wrap(err, "stream read failed")
			break
		}
		switch f.Kind {
		case KindEntries:
			entries, err := decodeBatch(f.Entries.Batch)
			if err != nil {
				recvErr = err
				break
			}
			if err := sink.deliver(ctx, entries); err != nil {
				recvErr = err
				break
			}
		case KindComplete:
			done = true
		case KindError:
			recvErr = s.handleErrorFrame(f.Error)
		default:
			recvErr = errors.Errorf("unexpected %s frame during streaming", f.Kind)
		}
		if recvErr != nil {
			break
		}
	}

	if recvErr != nil {
		// Unblock our writer: the deferred conn close in Run aborts it.
		_ = s.conn.Close()
		<-writerErr
		return recvErr
	}
	if err := <-writerErr; err != nil {
		return err
	}

	// Full resends we asked for have now been delivered and applied.
	for _, origin := range ourReq.Full {
		s.resync.clear(origin)
	}

	s.setState(StateClosed)
	log.Debug("session with %s closed cleanly", s.PeerID())
	return nil
}

// serve streams the entries the peer requested, origin by origin in
// increasing sequence order, then signals completion.
func (s *Session) serve(ctx context.Context, req *Request) error {
	origins := make([]string, 0, len(req.Wants))
	for origin := range req.Wants {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	for _, origin := range origins {
		if err := s.serveOrigin(ctx, origin, req.Wants[origin]); err != nil {
			return err
		}
	}
	return s.write(&Frame{Kind: KindComplete}, time.Now().Add(s.cfg.StreamTimeout))
}

func (s *Session) serveOrigin(ctx context.Context, origin string, after uint64) error {
	cur, err := s.clog.EntriesSince(ctx, origin, after)
	if err != nil {
		return err
	}
	defer cur.Close()

	batch := make([]changelog.Entry, 0, s.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		payload, err := encodeBatch(batch)
		if err != nil {
			return err
		}
		f := &Frame{Kind: KindEntries, Entries: &Entries{Origin: origin, Batch: payload}}
		if err := s.write(f, time.Now().Add(s.cfg.StreamTimeout)); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for cur.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch = append(batch, cur.Entry())
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	return flush()
}

func (s *Session) handleErrorFrame(e *ErrorFrame) error {
	if e == nil {
		return errors.New("malformed error frame")
	}
	switch e.Code {
	case CodeResyncRequired:
		if s.resync.needs(e.Origin) {
			// Already requested a full resend and the peer still cannot
			// serve it; keep retrying under backoff.
			return errors.Wrapf(ErrResyncRequired,
				"peer %s cannot serve full log of origin %s", s.PeerID(), e.Origin)
		}
		s.resync.mark(e.Origin)
		return errors.Wrapf(ErrResyncRequired, "origin %s at peer %s: %s", e.Origin, s.PeerID(), e.Msg)
	case CodeProtoMismatch:
		return errors.Errorf("peer %s: protocol mismatch: %s", s.PeerID(), e.Msg)
	default:
		return errors.Errorf("peer %s reported: %s", s.PeerID(), e.Msg)
	}
}

func (s *Session) sendError(code ErrorCode, origin, msg string) {
	f := &Frame{Kind: KindError, Error: &ErrorFrame{Code: code, Origin: origin, Msg: msg}}
	if err := s.write(f, time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		log.Debug("failed to send error frame to %s: %v", s.conn.RemoteAddr(), err)
	}
}

func (s *Session) write(f *Frame, deadline time.Time) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	return writeFrame(s.w, f)
}

// applySink hands received entries to the adapter in strict per-origin
// sequence order, buffering around any reordering the transport introduced.
type applySink struct {
	db   Applier
	bufs map[string]*orderBuffer
}

func newApplySink(db Applier) *applySink {
	return &applySink{db: db, bufs: map[string]*orderBuffer{}}
}

func (a *applySink) deliver(ctx context.Context, entries []changelog.Entry) error {
	for _, e := range entries {
		buf, ok := a.bufs[e.Origin]
		if !ok {
			applied, err := a.db.AppliedSequence(e.Origin)
			if err != nil {
				return err
			}
			buf = newOrderBuffer(applied+1, 0)
			a.bufs[e.Origin] = buf
		}
		run, err := buf.Add(e)
		if err != nil {
			return err
		}
		for _, ready := range run {
			applied, err := a.db.Apply(ctx, ready)
			if err != nil {
				// The entry is not marked applied and the origin's
				// watermark stays put; the next session retries from here.
				return errors.Wrapf(err, "failed to apply %s/%d", ready.Origin, ready.Sequence)
			}
			if !applied {
				log.Debug("entry %s/%d already applied, skipped", ready.Origin, ready.Sequence)
			}
		}
	}
	return nil
}

// resyncSet tracks origins whose next pull must request the full log.
type resyncSet struct {
	mu      sync.Mutex
	origins map[string]bool
}

func newResyncSet() *resyncSet {
	return &resyncSet{origins: map[string]bool{}}
}

func (r *resyncSet) mark(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[origin] = true
	log.Warn("origin %s marked for full resync", origin)
}

func (r *resyncSet) clear(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, origin)
}

func (r *resyncSet) needs(origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origins[origin]
}
