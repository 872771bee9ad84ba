package signaling

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/conntable"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/scope"
)

// Conn is one live peer transport as seen by the router.
type Conn interface {
	// ID is unique per transport connection, for logs only.
	ID() string
	// RemoteAddr is the peer's address as fed to the scope policy.
	RemoteAddr() string
	Send(Response) error
}

type RouterConfig struct {
	Registry *registry.Registry
	Table    *conntable.Table[Conn]
	// Scope decides which peers may see and signal each other. Nil admits
	// everyone.
	Scope   scope.Policy
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router implements register/list/offer/answer over a shared host registry and
// connection table.
//
// All registry and table mutations for one inbound message happen under mu,
// so a register, an offer and a close for the same id never interleave.
// Sends happen after mu is released.
type Router struct {
	hosts   *registry.Registry
	table   *conntable.Table[Conn]
	scope   scope.Policy
	metrics *metrics.Metrics
	log     *slog.Logger

	mu sync.Mutex
}

func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		hosts:   cfg.Registry,
		table:   cfg.Table,
		scope:   cfg.Scope,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	if r.hosts == nil {
		r.hosts = registry.New(registry.DefaultTTL, nil)
	}
	if r.table == nil {
		r.table = conntable.New[Conn]()
	}
	if r.scope == nil {
		r.scope = scope.AllowAll{}
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// delivery is a send decided under the lock and performed after it.
type delivery struct {
	to   Conn
	resp Response

	// onFailure, if set, is sent to the originating connection when the
	// delivery fails.
	onFailure *Response
}

// Connected records a new transport connection.
func (r *Router) Connected(c Conn) {
	r.metrics.Inc(metrics.WSConnections)
	r.metrics.ConnectionOpened()
	r.log.Info("ws_connected", "conn_id", c.ID(), "remote_addr", c.RemoteAddr())
}

// Disconnected drops every binding held by c.
func (r *Router) Disconnected(c Conn) {
	r.mu.Lock()
	ids := r.table.UnbindByHandle(c)
	bindings := r.table.Len()
	r.mu.Unlock()

	r.metrics.Inc(metrics.WSDisconnections)
	r.metrics.ConnectionClosed()
	r.metrics.Add(metrics.BindingsClosed, len(ids))
	r.metrics.SetBindings(bindings)
	r.log.Info("ws_disconnected", "conn_id", c.ID(), "unbound_ids", ids)
}

// Sweep removes expired hosts. The periodic sweeper calls this; request paths
// sweep inline as well.
func (r *Router) Sweep() []registry.HostRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked()
}

// HandleMessage processes one text frame from c.
func (r *Router) HandleMessage(c Conn, raw []byte) {
	msg, err := ParseInbound(raw)
	if err != nil {
		r.rejectMalformed(c, msg.Action, err)
		return
	}
	r.deliver(c, r.route(c, msg))
}

// Malformed replies to a frame the transport could not hand over as text.
func (r *Router) Malformed(c Conn, detail string) {
	r.rejectMalformed(c, "", fmt.Errorf("%w: %s", errMalformed, detail))
}

// RateLimited replies to a frame dropped by the per-connection limiter.
func (r *Router) RateLimited(c Conn, raw []byte) {
	r.metrics.Inc(metrics.MessagesRateLimited)
	msg, _ := ParseInbound(raw)
	action := msg.Action
	if action == "" {
		action = actionError
	}
	r.log.Warn("message_rate_limited", "conn_id", c.ID(), "action", action)
	r.deliver(c, []delivery{{to: c, resp: errorResponse(action, errRateLimited.Error())}})
}

func (r *Router) rejectMalformed(c Conn, action string, err error) {
	r.metrics.Inc(metrics.MessagesMalformed)
	if action == "" {
		action = actionError
	}
	r.log.Warn("message_malformed", "conn_id", c.ID(), "action", action, "err", err)
	r.deliver(c, []delivery{{to: c, resp: errorResponse(action, err.Error())}})
}

func (r *Router) route(c Conn, msg Inbound) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out []delivery
		err error
	)
	switch msg.Action {
	case ActionRegister:
		r.metrics.Inc(metrics.ActionRegister)
		out, err = r.handleRegister(c, msg)
	case ActionList:
		r.metrics.Inc(metrics.ActionList)
		out, err = r.handleList(c, msg)
	case ActionOffer:
		r.metrics.Inc(metrics.ActionOffer)
		out, err = r.handleOffer(c, msg)
	case ActionAnswer:
		r.metrics.Inc(metrics.ActionAnswer)
		out, err = r.handleAnswer(c, msg)
	default:
		r.metrics.Inc(metrics.ActionInvalid)
		err = fmt.Errorf("invalid action: %s", msg.Action)
	}

	r.metrics.SetBindings(r.table.Len())
	r.metrics.SetHosts(r.hosts.Len())

	if err != nil {
		if errors.Is(err, errMalformed) {
			r.metrics.Inc(metrics.MessagesMalformed)
		}
		r.log.Debug("action_rejected", "conn_id", c.ID(), "action", msg.Action, "err", err)
		return []delivery{{to: c, resp: errorResponse(msg.Action, err.Error())}}
	}
	return out
}

func (r *Router) handleRegister(c Conn, msg Inbound) ([]delivery, error) {
	var req registerRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, errMissingID
	}

	r.expireLocked()
	rec := r.hosts.Register(registry.HostInfo{
		ID:            req.ID,
		ConnectionID:  req.ID,
		RemoteAddress: c.RemoteAddr(),
	})
	r.table.Bind(req.ID, c)

	r.log.Info("host_registered",
		"host_id", rec.ID,
		"conn_id", c.ID(),
		"remote_addr", rec.RemoteAddress,
		"created_at", rec.CreatedAt,
		"updated_at", rec.UpdatedAt,
	)
	return []delivery{{to: c, resp: okResponse(ActionRegister, nil)}}, nil
}

func (r *Router) handleList(c Conn, msg Inbound) ([]delivery, error) {
	// list takes no parameters, but a non-object payload is still malformed.
	var ignored struct{}
	if err := decodeData(msg.Data, &ignored); err != nil {
		return nil, err
	}

	r.expireLocked()
	records := r.hosts.List(c.RemoteAddr(), r.scope)

	hosts := make([]hostSummary, 0, len(records))
	for _, rec := range records {
		hosts = append(hosts, hostSummary{ID: rec.ID, UpdatedAt: rec.UpdatedAt})
	}
	return []delivery{{to: c, resp: okResponse(ActionList, listResult{HostIDs: hosts})}}, nil
}

func (r *Router) handleOffer(c Conn, msg Inbound) ([]delivery, error) {
	var req offerRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.ID == "" || req.HostID == "" {
		return nil, fmt.Errorf("%w: offer requires id and hostId", errMissingID)
	}

	r.table.Bind(req.ID, c)
	r.expireLocked()

	host, ok := r.hosts.Lookup(req.HostID)
	if !ok {
		r.metrics.Inc(metrics.HostNotFound)
		return nil, fmt.Errorf("host not found: %s", req.HostID)
	}
	if !r.scope.SameNetwork(c.RemoteAddr(), host.RemoteAddress) {
		r.metrics.Inc(metrics.ScopeRejected)
		return nil, errors.New("host is not same network")
	}
	hostConn, ok := r.table.Lookup(host.ID)
	if !ok {
		r.metrics.Inc(metrics.PeerNotBound)
		return nil, fmt.Errorf("host is not connected: %s", host.ID)
	}

	notConnected := errorResponse(ActionOffer, fmt.Sprintf("host is not connected: %s", host.ID))
	return []delivery{{
		to: hostConn,
		resp: okResponse(ActionOffer, offerRequest{
			ID:                req.ID,
			HostID:            host.ID,
			ClientDescription: req.ClientDescription,
		}),
		onFailure: &notConnected,
	}}, nil
}

func (r *Router) handleAnswer(c Conn, msg Inbound) ([]delivery, error) {
	var req answerRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.ID == "" || req.ClientID == "" {
		return nil, fmt.Errorf("%w: answer requires id and clientId", errMissingID)
	}

	r.expireLocked()
	if _, ok := r.hosts.Touch(req.ID); !ok {
		r.metrics.Inc(metrics.HostNotFound)
		return nil, fmt.Errorf("host not found: %s", req.ID)
	}
	r.table.Bind(req.ID, c)

	clientConn, ok := r.table.Lookup(req.ClientID)
	if !ok {
		r.metrics.Inc(metrics.PeerNotBound)
		return nil, fmt.Errorf("client is not connected: %s", req.ClientID)
	}
	if !r.scope.SameNetwork(c.RemoteAddr(), clientConn.RemoteAddr()) {
		r.metrics.Inc(metrics.ScopeRejected)
		return nil, errors.New("client is not same network")
	}

	notConnected := errorResponse(ActionAnswer, fmt.Sprintf("client is not connected: %s", req.ClientID))
	return []delivery{{
		to: clientConn,
		resp: okResponse(ActionAnswer, answerRequest{
			ID:              req.ID,
			ClientID:        req.ClientID,
			HostDescription: req.HostDescription,
		}),
		onFailure: &notConnected,
	}}, nil
}

func (r *Router) expireLocked() []registry.HostRecord {
	expired := r.hosts.Expire()
	for _, rec := range expired {
		r.log.Info("host_expired", "host_id", rec.ID, "remote_addr", rec.RemoteAddress, "updated_at", rec.UpdatedAt)
	}
	if len(expired) > 0 {
		r.metrics.Add(metrics.HostsExpired, len(expired))
		r.metrics.SetHosts(r.hosts.Len())
	}
	return expired
}

// deliver performs sends decided by route. It must not be called with mu
// held: a slow peer must not stall routing for everyone else.
func (r *Router) deliver(from Conn, out []delivery) {
	for _, d := range out {
		err := d.to.Send(d.resp)
		if err == nil {
			if d.to != from {
				switch d.resp.Action {
				case ActionOffer:
					r.metrics.Inc(metrics.RelayOffer)
				case ActionAnswer:
					r.metrics.Inc(metrics.RelayAnswer)
				}
			}
			continue
		}

		if d.onFailure == nil {
			r.metrics.Inc(metrics.SendFailed)
			r.log.Debug("send_failed", "conn_id", d.to.ID(), "action", d.resp.Action, "err", err)
			continue
		}
		r.metrics.Inc(metrics.RelayFailed)
		r.log.Warn("relay_failed", "from_conn_id", from.ID(), "to_conn_id", d.to.ID(), "action", d.resp.Action, "err", err)
		if err := from.Send(*d.onFailure); err != nil {
			r.metrics.Inc(metrics.SendFailed)
		}
	}
}
