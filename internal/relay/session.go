package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rcarmo/rdp-relay/internal/certinfo"
	"github.com/rcarmo/rdp-relay/internal/config"
	"github.com/rcarmo/rdp-relay/internal/logging"
	"github.com/rcarmo/rdp-relay/internal/obs"
	"github.com/rcarmo/rdp-relay/internal/player"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpsec"
	"github.com/rcarmo/rdp-relay/internal/recording"
	"github.com/rcarmo/rdp-relay/internal/sessions"
)

// Messages exchanged between the two negotiation sides. The sides share no
// mutable state; everything one side learns that the other needs crosses on
// one of these.

// helloMsg carries the client's connection request to the server-facing side.
type helloMsg struct {
	request *pdu.ClientConnectionRequest
}

// confirmMsg reports the outcome of dialing and negotiating with the server.
type confirmMsg struct {
	server   *Connection
	selected pdu.NegotiationProtocol
	failure  *pdu.ServerConnectionConfirm // server refused; relay verbatim
	certs    []certinfo.Summary
}

// clientGCCMsg carries the client's GCC user data for substitution.
type clientGCCMsg struct {
	userData *pdu.ClientUserDataSet
}

// serverGCCMsg carries the server's GCC user data, including the security
// material needed for the client-leg substitution and the key exchange.
type serverGCCMsg struct {
	userData *pdu.ServerUserData
}

// cipherMsg delivers the per-leg RC4 pairs once derived. Both fields are nil
// when neither leg negotiated standard RDP encryption.
type cipherMsg struct {
	client *rdpsec.Cipher
	server *rdpsec.Cipher
}

// activationMsg hands the built multiplexer to the server-facing pump.
type activationMsg struct {
	mux           *Mux
	ioChannel     uint16
	shareID       uint32
	userID        uint16
	fastPathInput bool
}

// Options configures a Session beyond its Config.
type Options struct {
	Config config.Config

	// TLSConfig is the identity presented to clients on PROTOCOL_SSL legs.
	TLSConfig *tls.Config

	// Signing is the proprietary certificate key for standard RDP security
	// legs. Generated when nil.
	Signing *rdpsec.SigningKey

	// Store receives registry updates. Defaults to an in-memory store.
	Store sessions.Store

	// Hub receives every recorded event for live playback. Optional.
	Hub *player.Hub
}

// Session relays one client connection to the target server, interposing on
// every PDU. Run drives it to completion.
type Session struct {
	ID uuid.UUID

	cfg  config.Config
	log  *logging.Logger
	tls  *tls.Config
	sign *rdpsec.SigningKey

	client     *Connection
	serverConn atomic.Pointer[Connection]

	hooks    *Hooks
	injector *Injector
	keylog   Keylogger

	rec    *recorder
	store  sessions.Store
	infoMu sync.Mutex
	info   *sessions.Session

	hello      chan helloMsg
	confirm    chan confirmMsg
	clientGCC  chan clientGCCMsg
	serverGCC  chan serverGCCMsg
	ciphers    chan cipherMsg
	activation chan activationMsg

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an accepted client socket.
func NewSession(clientConn net.Conn, opts Options) (*Session, error) {
	id := uuid.New()

	sign := opts.Signing
	if sign == nil {
		var err error

		if sign, err = rdpsec.NewSigningKey(); err != nil {
			return nil, err
		}
	}

	store := opts.Store
	if store == nil {
		store = sessions.NewMemoryStore()
	}

	s := &Session{
		ID:   id,
		cfg:  opts.Config,
		log:  logging.With(fmt.Sprintf("session %s", shortID(id))),
		tls:  opts.TLSConfig,
		sign: sign,

		client: NewConnection(clientConn, opts.Config.Relay.ReadBufferSize),

		hooks:    NewHooks(opts.Config.Relay.HookBudget),
		injector: NewInjector(opts.Config.Intercept.Payload, opts.Config.Intercept.PayloadDelay, opts.Config.Intercept.PayloadDuration),

		store: store,
		info: &sessions.Session{
			ID:         id,
			ClientAddr: clientConn.RemoteAddr().String(),
			ServerAddr: opts.Config.Relay.TargetAddr,
			State:      sessions.StateNegotiating,
			StartedAt:  time.Now(),
		},

		hello:      make(chan helloMsg, 1),
		confirm:    make(chan confirmMsg, 1),
		clientGCC:  make(chan clientGCCMsg, 1),
		serverGCC:  make(chan serverGCCMsg, 1),
		ciphers:    make(chan cipherMsg, 1),
		activation: make(chan activationMsg, 1),
	}

	rec, err := newRecorder(opts.Config, id, opts.Hub)
	if err != nil {
		return nil, err
	}

	s.rec = rec
	s.info.RecordingPath = rec.path
	s.hooks.SetFaultHandler(s.recordHookFault)

	return s, nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// RegisterHook attaches an interception hook to this session. Must be called
// before Run.
func (s *Session) RegisterHook(predicate Predicate, hook Hook) {
	s.hooks.Register(predicate, hook)
}

// Run drives the session until either socket closes or the sequence fails.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	obs.ActiveSessions.Inc()

	start := time.Now()

	defer func() {
		obs.ActiveSessions.Dec()
		obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	s.putInfo()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		s.teardown(s.runSide("client-facing", s.serverSide))
	}()

	go func() {
		defer wg.Done()

		s.teardown(s.runSide("server-facing", s.clientSide))
	}()

	wg.Wait()
	s.rec.close()

	return s.closeErr
}

// runSide converts a panic in a side goroutine into session teardown instead
// of taking the process down.
func (s *Session) runSide(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s side panic: %v", name, r)
			s.log.Error("%v", err)
		}
	}()

	return fn()
}

// teardown closes both sockets exactly once and finalizes the registry
// entry. err nil means a clean close of one leg.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err

		reason := "closed"

		if err != nil && !errors.Is(err, ErrConnectionClosed) {
			reason = err.Error()

			obs.ErrorsTotal.WithLabelValues(errorKind(err)).Inc()
			s.log.Warn("session ended: %v", err)
		}

		s.cancel()
		_ = s.client.Close()

		if server := s.serverConn.Load(); server != nil {
			_ = server.Close()
		}

		s.rec.json(recording.KindSessionClose, sessionCloseRecord{Reason: reason})
		s.injector.Stop()

		s.updateInfo(func(info *sessions.Session) {
			info.State = sessions.StateClosed
			info.ClosedAt = time.Now()
			info.BytesToServer = s.client.BytesIn()
			info.BytesToClient = s.client.BytesOut()
		})
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedPDU):
		return "unexpected_pdu"
	case errors.Is(err, ErrNegotiationFailed):
		return "negotiation_failed"
	default:
		var decodeErr *ChannelDecodeError
		if errors.As(err, &decodeErr) {
			return "channel_decode"
		}

		return "other"
	}
}

// putInfo pushes the registry entry. Registry failures are logged, never
// fatal: the relay keeps forwarding without it.
func (s *Session) putInfo() {
	s.updateInfo(nil)
}

// updateInfo applies a mutation to the registry entry and pushes it. Both
// negotiation sides touch the entry, hence the lock.
func (s *Session) updateInfo(mutate func(*sessions.Session)) {
	s.infoMu.Lock()

	if mutate != nil {
		mutate(s.info)
	}

	entry := *s.info
	s.infoMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.store.Put(ctx, &entry); err != nil {
		s.log.Warn("session registry: %v", err)
	}
}

func (s *Session) setState(state sessions.State) {
	s.updateInfo(func(info *sessions.Session) {
		info.State = state
	})
}

// wait receives one rendezvous message, aborting when the session dies.
func wait[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		var zero T

		return zero, fmt.Errorf("%w: %v", ErrConnectionClosed, ctx.Err())
	}
}

// Recorded event payloads. Decoded kinds are JSON; raw kinds carry PDU bytes.

type connectionAttemptRecord struct {
	ClientAddr         string `json:"client_addr"`
	Cookie             string `json:"cookie,omitempty"`
	RoutingToken       string `json:"routing_token,omitempty"`
	RequestedProtocols string `json:"requested_protocols"`
}

type negotiationRecord struct {
	ClientProtocol string             `json:"client_protocol"`
	ServerProtocol string             `json:"server_protocol"`
	NLADowngraded  bool               `json:"nla_downgraded"`
	ServerCerts    []certinfo.Summary `json:"server_certs,omitempty"`
}

type credentialsRecord struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
	Replaced bool   `json:"replaced"`
}

type keystrokesRecord struct {
	Text string `json:"text"`
}

type clipboardRecord struct {
	Direction string `json:"direction"`
	Stage     string `json:"stage"` // observed or forwarded
	FormatID  uint32 `json:"format_id"`
	Text      string `json:"text"`
}

type deviceAnnounceRecord struct {
	Devices []deviceRecord `json:"devices"`
}

type deviceRecord struct {
	ID      uint32 `json:"id"`
	Type    string `json:"type"`
	DosName string `json:"dos_name"`
}

type channelErrorRecord struct {
	Channel string `json:"channel"`
	Error   string `json:"error"`
}

type hookFaultRecord struct {
	Kind      int    `json:"event_kind"`
	Channel   string `json:"channel,omitempty"`
	Direction string `json:"direction"`
}

type fastPathOutputRecord struct {
	Length      int     `json:"length"`
	UpdateCodes []uint8 `json:"update_codes,omitempty"`
	Stage       string  `json:"stage,omitempty"` // set on post-rewrite records
}

type sessionCloseRecord struct {
	Reason string `json:"reason"`
}

func (s *Session) recordHookFault(event *Event) {
	s.rec.json(recording.KindHookFault, hookFaultRecord{
		Kind:      int(event.Kind),
		Channel:   event.Channel,
		Direction: event.Direction.String(),
	})
	s.log.Warn("hook exceeded budget on %s %s event", event.Direction, event.Channel)
}

// recorder serializes recording appends and mirrors every record to the live
// feed. All methods are no-ops when both outputs are disabled.
type recorder struct {
	writer *recording.Writer
	file   *os.File
	path   string
	log    *logging.Logger
}

func newRecorder(cfg config.Config, id uuid.UUID, hub *player.Hub) (*recorder, error) {
	r := &recorder{log: logging.With(fmt.Sprintf("recording %s", shortID(id)))}

	var targets []io.Writer

	if cfg.Recording.Enabled {
		path := filepath.Join(cfg.Recording.Dir, id.String()+".rdpr")

		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("creating recording: %w", err)
		}

		r.file = file
		r.path = path
		targets = append(targets, file)
	}

	if hub != nil {
		targets = append(targets, &feedWriter{hub: hub})
	}

	if len(targets) == 0 {
		return r, nil
	}

	writer, err := recording.NewWriter(io.MultiWriter(targets...), id)
	if err != nil {
		if r.file != nil {
			_ = r.file.Close()
		}

		return nil, err
	}

	r.writer = writer

	return r, nil
}

func (r *recorder) append(kind recording.Kind, payload []byte) {
	if r.writer == nil {
		return
	}

	if err := r.writer.Append(kind, payload); err != nil {
		r.log.Warn("append %s: %v", kind, err)

		return
	}

	obs.RecordingBytes.Add(float64(len(payload)))
}

func (r *recorder) json(kind recording.Kind, v any) {
	if r.writer == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Warn("encode %s: %v", kind, err)

		return
	}

	r.append(kind, payload)
}

func (r *recorder) close() {
	if r.file != nil {
		_ = r.file.Close()
	}
}

// feedWriter mirrors encoded records to the player hub. The recording
// writer emits the 8-byte file header as its first write; watchers join
// mid-stream and receive records only.
type feedWriter struct {
	hub       *player.Hub
	sawHeader bool
}

func (f *feedWriter) Write(p []byte) (int, error) {
	if !f.sawHeader {
		f.sawHeader = true

		return len(p), nil
	}

	f.hub.Broadcast(p)

	return len(p), nil
}
