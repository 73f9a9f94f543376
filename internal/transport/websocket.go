// Package transport binds the ATP session/frame protocol (internal/atp)
// to a real bidirectional byte stream. spec.md §4.1 describes the
// transport as "WebSocket-like or QUIC-streams"; this implementation
// picks WebSocket, the same choice the teacher's own ui/ module makes for
// its streaming chat client (ui/go.mod requires gorilla/websocket),
// grounded here on the server side of that connection instead of the
// client side.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/dispatcher"
	"github.com/modelmesh/atprouter/internal/idgen"
	"github.com/modelmesh/atprouter/internal/ports"
	"github.com/modelmesh/atprouter/internal/registry"
	"github.com/modelmesh/atprouter/internal/routing"
	"github.com/modelmesh/atprouter/internal/scheduler"
)

// upgrader matches the teacher's own WebSocket handshake tuning
// (ui/chat_agent.go sets comparable buffer sizes for its chat stream);
// CheckOrigin is left to the caller via Config.CheckOrigin since the
// admin surface's CORS policy, not this package, owns that decision.
var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// Config bundles everything one session's frame loop needs to run.
type Config struct {
	Logger     core.Logger
	Auth       ports.Auth
	Policy     ports.Policy
	Manager    *atp.Manager
	Scheduler  *scheduler.Scheduler
	Registry   *registry.Registry
	Engine     *routing.Engine
	Dispatcher *dispatcher.Dispatcher
	Gen        idgen.Generator
	Clock      idgen.Clock
	CheckOrigin func(*http.Request) bool

	// AdmitPollInterval bounds how often a pending request rechecks the
	// scheduler for admission (spec.md §4.6 admission is cooperative,
	// not interrupt-driven).
	AdmitPollInterval time.Duration
}

// NewHandler returns an http.HandlerFunc that upgrades to WebSocket and
// runs the ATP session loop for the connection's lifetime. One goroutine
// per connection, matching the teacher's per-agent-connection handling in
// core/agent.go's HTTP handlers.
func NewHandler(cfg Config) http.HandlerFunc {
	upgrader := defaultUpgrader
	if cfg.CheckOrigin != nil {
		upgrader.CheckOrigin = cfg.CheckOrigin
	}
	if cfg.AdmitPollInterval <= 0 {
		cfg.AdmitPollInterval = 10 * time.Millisecond
	}
	if cfg.Gen == nil {
		cfg.Gen = idgen.NewUUIDGenerator()
	}
	if cfg.Clock == nil {
		cfg.Clock = idgen.SystemClock{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Error("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		defer conn.Close()

		loop := &sessionLoop{cfg: cfg, conn: conn}
		loop.run(r.Context())
	}
}

// sessionLoop owns one connection's handshake, frame dispatch, and
// teardown. It is not safe for concurrent use beyond the single goroutine
// NewHandler spawns per connection.
type sessionLoop struct {
	cfg     Config
	conn    *websocket.Conn
	session *atp.Session
	codec   atp.Codec
}

func (l *sessionLoop) run(ctx context.Context) {
	offerFrame, err := l.readFrame()
	if err != nil || offerFrame.Type != atp.TypeHandshake {
		l.writeError(offerFrame, atp.NewError(atp.CodeHandshake, "", "first frame must be HANDSHAKE"))
		return
	}

	offer := atp.HandshakeOffer{
		Encodings:        []atp.Encoding{atp.EncodingJSON, atp.EncodingBinary},
		Features:         []string{"resumption", "shadow"},
		MaxFrameBytes:    atp.MaxFrameBytes,
		IdentityMaterial: offerFrame.Payload,
	}

	var principal atp.Principal
	if l.cfg.Auth != nil {
		result, err := l.cfg.Auth.Authenticate(ctx, offerFrame.Payload)
		if err != nil {
			l.writeError(offerFrame, atp.NewError(atp.CodeAuth, "", err.Error()))
			return
		}
		principal = result.Principal
	}

	session, accept, err := l.cfg.Manager.Handshake(principal, offerFrame.QoS, offerFrame.Window, offer)
	if err != nil {
		l.writeError(offerFrame, err)
		return
	}
	l.session = session
	l.codec = atp.CodecFor(accept.Encoding, accept.MaxFrameBytes)

	ackPayload, _ := json.Marshal(accept)
	l.writeFrame(&atp.Frame{
		Version:   atp.ProtocolMajor,
		Type:      atp.TypeHandshakeAck,
		SessionID: session.ID,
		Payload:   ackPayload,
	})

	defer func() {
		l.session.Close()
		l.cfg.Manager.Drop(l.session.ID)
	}()

	for {
		frame, err := l.readFrame()
		if err != nil {
			return
		}
		if !l.handleFrame(ctx, frame) {
			return
		}
	}
}

func (l *sessionLoop) handleFrame(ctx context.Context, frame *atp.Frame) bool {
	now := l.cfg.Clock.Now()
	deliverable, taxErr := l.cfg.Manager.Deliver(l.session, frame, now)
	if taxErr != nil {
		l.writeError(frame, taxErr)
		return true
	}

	for _, f := range deliverable {
		switch f.Type {
		case atp.TypeHeartbeat:
			l.writeFrame(&atp.Frame{Version: atp.ProtocolMajor, Type: atp.TypeHeartbeat, SessionID: l.session.ID})
		case atp.TypeFin:
			return false
		case atp.TypeData:
			l.handleData(ctx, f)
		}
	}
	return true
}

func (l *sessionLoop) handleData(ctx context.Context, frame *atp.Frame) {
	if l.cfg.Policy != nil {
		decision, err := l.cfg.Policy.Authorize(ctx, l.session.Principal, frame.Meta)
		if err != nil || !decision.Allowed {
			l.writeError(frame, atp.NewError(atp.CodeScope, l.session.ID, "request not authorized for its declared data scope"))
			return
		}
	}

	req := scheduler.Request{
		ID:                 l.cfg.Gen.NewRequestID(),
		SessionID:          l.session.ID,
		TenantID:           l.session.Principal.TenantID,
		QoS:                l.session.QoS,
		EstimatedTokens:    len(frame.Payload) / 4,
		EstimatedUSDMicros: 0,
		Budget:             l.session.Budget,
		EnqueuedAt:         time.Now(),
	}
	if err := l.cfg.Scheduler.Enqueue(req, time.Now()); err != nil {
		l.writeError(frame, atp.NewError(atp.CodeBusy, l.session.ID, err.Error()))
		return
	}

	go l.admitAndDispatch(ctx, frame, req.ID)
}

// admitAndDispatch polls the scheduler until this request is chosen for
// admission, then routes and dispatches it. Running off the read loop's
// goroutine lets the session keep reading HEARTBEAT/control frames for
// other in-flight streams while this one waits (spec.md §4.6: multiple
// streams may be in flight per session).
func (l *sessionLoop) admitAndDispatch(ctx context.Context, frame *atp.Frame, requestID string) {
	ticker := time.NewTicker(l.cfg.AdmitPollInterval)
	defer ticker.Stop()
	defer l.cfg.Scheduler.Release(requestID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		admitted, err := l.cfg.Scheduler.Admit(time.Now())
		if err != nil || admitted == nil {
			continue
		}
		if admitted.ID != requestID {
			// Not our turn; another goroutine's poll will claim its own
			// admitted request on a later tick.
			continue
		}
		l.dispatch(ctx, frame)
		return
	}
}

func (l *sessionLoop) dispatch(ctx context.Context, frame *atp.Frame) {
	candidates := l.cfg.Registry.ListCompatible(frame.Meta.TaskType, frame.Meta.Languages, 0, nil, time.Now())
	routingCandidates := make([]routing.Candidate, 0, len(candidates))
	for _, c := range candidates {
		routingCandidates = append(routingCandidates, routing.Candidate{
			Name:                c.Name,
			SupportsFeatures:    c.Capability.Features,
			DataScopes:          c.Capability.DataScopes,
			P95LatencyMs:        int64(c.Health.P95LatencyMs),
			EstimatedCostMicros: c.Capability.EstimatedUSDMicros,
			ErrorRate:           c.Health.ErrorRate,
			Staleness:           c.Staleness,
			BreakerOpen:         !c.Ready,
		})
	}

	decision, err := l.cfg.Engine.Route(routing.Request{
		TenantID:  l.session.Principal.TenantID,
		TaskType:  frame.Meta.TaskType,
		DataScope: frame.Meta.DataScope,
	}, routingCandidates, time.Now())
	if err != nil {
		l.writeError(frame, atp.NewError(atp.CodeNoAdapter, l.session.ID, err.Error()))
		return
	}

	ttl := frame.TTL
	if ttl <= 0 {
		ttl = 1
	}
	seq := uint64(0)
	_, err = l.cfg.Dispatcher.Dispatch(ctx, l.session.ID, decision, frame.Meta, frame.Payload,
		l.session.Budget, ttl, 0, func(chunk ports.AdapterChunk) error {
			seq++
			flags := atp.NewFlagSet()
			if !chunk.Final {
				flags.Set(atp.FlagMore)
			}
			return l.writeFrame(&atp.Frame{
				Version:   atp.ProtocolMajor,
				Type:      atp.TypeData,
				SessionID: l.session.ID,
				StreamID:  frame.StreamID,
				FragSeq:   seq,
				Flags:     flags,
				Payload:   chunk.Payload,
			})
		})
	if err != nil {
		l.writeError(frame, err)
	}
}

func (l *sessionLoop) readFrame() (*atp.Frame, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	codec := l.codec
	if codec == nil {
		codec = atp.CodecFor(atp.EncodingJSON, atp.MaxFrameBytes)
	}
	return codec.Decode(data)
}

func (l *sessionLoop) writeFrame(f *atp.Frame) error {
	codec := l.codec
	if codec == nil {
		codec = atp.CodecFor(atp.EncodingJSON, atp.MaxFrameBytes)
	}
	data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *sessionLoop) writeError(request *atp.Frame, err error) {
	sessionID := ""
	streamID := ""
	if l.session != nil {
		sessionID = l.session.ID
	}
	if request != nil {
		streamID = request.StreamID
	}
	l.writeFrame(&atp.Frame{
		Version:   atp.ProtocolMajor,
		Type:      atp.TypeError,
		SessionID: sessionID,
		StreamID:  streamID,
		Payload:   []byte(err.Error()),
	})
}
