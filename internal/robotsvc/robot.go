// Package robotsvc implements the Robot process: a token-ring participant
// that forwards Flavour tokens and runs the single-order acquisition FSM
// against screens.
//
// Per spec §5, the Robot is a single-threaded actor: one goroutine (loop)
// owns every field below. Three kinds of reader goroutines (previous link,
// next link, one per screen) only ever push typed events onto a channel;
// the accept loop does the same for inbound connections.
package robotsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/icering/coordination/internal/config"
	"github.com/icering/coordination/internal/netutil"
	"github.com/icering/coordination/internal/protocol"
	"github.com/icering/coordination/internal/telemetry"
)

type event interface{ isEvent() }

type inboundAccepted struct{ conn net.Conn }
type frameFromPrev struct{ frame protocol.Frame }
type frameFromNext struct{ frame protocol.Frame }
type frameFromScreen struct {
	addr  string
	frame protocol.Frame
}
type prevLost struct{ gen int }
type nextLost struct{ gen int }
type screenLost struct{ addr string }
type startToken struct{}
type shutdownRequested struct{}

func (inboundAccepted) isEvent()    {}
func (frameFromPrev) isEvent()      {}
func (frameFromNext) isEvent()      {}
func (frameFromScreen) isEvent()    {}
func (prevLost) isEvent()           {}
func (nextLost) isEvent()           {}
func (screenLost) isEvent()         {}
func (startToken) isEvent()         {}
func (shutdownRequested) isEvent()  {}

// Robot is one ring participant. Call New then Run.
type Robot struct {
	id          int
	n           int
	screenCount int
	listenAddr  string

	logger  *slog.Logger
	metrics *telemetry.CoordinationMetrics
	cache   *flavourCache
	tracer  trace.Tracer

	events chan event
	ln     net.Listener

	prevWriter *netutil.Writer
	prevAddr   string // remote addr of the previous-link peer
	prevLocal  string // our local addr on that same socket
	prevGen    int

	nextWriter *netutil.Writer
	nextAddr   string
	nextLocal  string
	nextGen    int

	screens         map[string]*netutil.Writer // keyed by remote addr
	screensAccepted int

	need         map[string]float64
	currentOrder *protocol.OrderPrep
	orderOwner   string // remote addr of the screen owning currentOrder
	orderSpan    trace.Span
}

// New builds a Robot. cache may be nil (Redis mirroring disabled).
func New(id, n, screenCount int, listenAddr string, cache *flavourCache, metrics *telemetry.CoordinationMetrics, logger *slog.Logger) *Robot {
	return &Robot{
		id:          id,
		n:           n,
		screenCount: screenCount,
		listenAddr:  listenAddr,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("robotsvc"),
		events:      make(chan event, 64),
		screens:     make(map[string]*netutil.Writer),
		need:        make(map[string]float64),
	}
}

// Run binds the listener, establishes the ring per spec §4.2, then drives
// the actor loop until ctx is cancelled.
func (r *Robot) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	r.ln = ln
	defer ln.Close()

	if err := r.bootstrapRing(); err != nil {
		return fmt.Errorf("bootstrap ring: %w", err)
	}

	go r.acceptLoop()

	go func() {
		<-ctx.Done()
		r.events <- shutdownRequested{}
	}()

	if r.id == 0 {
		r.events <- startToken{}
	}

	return r.loop()
}

func (r *Robot) readScreenLoop(addr string, reader *netutil.Reader) {
	for {
		frame, err := reader.Next()
		if err != nil {
			var frameErr *netutil.FrameError
			if errors.As(err, &frameErr) {
				r.logger.Warn("dropping malformed frame from screen", slog.String("addr", addr), slog.Any("error", frameErr))
				continue
			}
			r.events <- screenLost{addr: addr}
			return
		}
		r.events <- frameFromScreen{addr: addr, frame: frame}
	}
}

// acceptLoop accepts the S screen connections expected after boot, then any
// further inbound connection is treated as a ring reconnect (spec §4.2,
// Ring-reconnect handler).
func (r *Robot) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.events <- inboundAccepted{conn: conn}
	}
}

func (r *Robot) loop() error {
	for ev := range r.events {
		switch e := ev.(type) {
		case inboundAccepted:
			r.handleInboundAccepted(e.conn)
		case frameFromPrev:
			r.handleRingFrame(e.frame)
		case frameFromNext:
			r.handleRingFrame(e.frame)
		case frameFromScreen:
			r.handleScreenFrame(e.addr, e.frame)
		case prevLost:
			r.handlePrevLost(e.gen)
		case nextLost:
			r.handleNextLost(e.gen)
		case screenLost:
			delete(r.screens, e.addr)
			r.logger.Info("screen connection lost", slog.String("addr", e.addr))
		case startToken:
			r.emitInitialTokens()
		case shutdownRequested:
			r.shutdown()
			return nil
		}
	}
	return nil
}

// handleFlavourToken is the per-token critical section from spec §4.2. A
// token is always forwarded before the next message is handled.
func (r *Robot) handleFlavourToken(f protocol.Flavour) {
	_, span := r.tracer.Start(context.Background(), "token_hop",
		trace.WithAttributes(attribute.String("flavour.name", f.Name), attribute.Int("robot.id", r.id)))
	defer span.End()

	if r.currentOrder != nil {
		if need := r.need[f.Name]; need > 0 {
			if f.Amount >= need {
				time.Sleep(time.Duration(need) * config.FlavourUnitPrepDelay)
				f.Amount -= need
				r.need[f.Name] = 0
				if r.orderSatisfied() {
					r.completeOrder(protocol.Success)
				}
			} else {
				r.completeOrder(protocol.FailedNoStock)
			}
		}
	}

	r.cache.observe(f.Name, f.Amount)
	r.metrics.TokenHops.WithLabelValues(f.Name).Inc()

	if err := r.nextWriter.Send(f); err != nil {
		r.logger.Error("failed to forward flavour token", slog.String("name", f.Name), slog.Any("error", err))
	}
}

func (r *Robot) orderSatisfied() bool {
	for _, remaining := range r.need {
		if remaining > 0 {
			return false
		}
	}
	return true
}

func (r *Robot) completeOrder(failFlag uint8) {
	order := *r.currentOrder
	owner := r.orderOwner
	r.currentOrder = nil
	r.need = make(map[string]float64)

	if r.orderSpan != nil {
		r.orderSpan.SetAttributes(attribute.Int64("order.fail_flag", int64(failFlag)))
		r.orderSpan.End()
		r.orderSpan = nil
	}

	order.IP = r.listenAddr
	order.FailFlag = failFlag

	w, ok := r.screens[owner]
	if !ok {
		r.logger.Warn("order owner screen no longer connected, dropping result", slog.String("addr", owner))
		return
	}
	if err := w.Send(order); err != nil {
		r.logger.Error("failed to send order result to screen", slog.Any("error", err))
	}

	if failFlag == protocol.Success {
		r.metrics.OrdersConfirmed.Inc()
	} else {
		r.metrics.OrdersCancelled.Inc()
	}
}

func (r *Robot) handleScreenFrame(addr string, frame protocol.Frame) {
	switch {
	case frame.OrderRequest != nil:
		r.handleOrderRequest(addr, *frame.OrderRequest)
	case frame.OrderPrep != nil:
		r.handleOrderPrepFromScreen(addr, *frame.OrderPrep)
	case frame.Disconnect != nil:
		delete(r.screens, addr)
		r.logger.Info("screen disconnected", slog.String("addr", addr))
	default:
		r.logger.Warn("dropping unexpected frame on screen connection", slog.String("addr", addr))
	}
}

// handleOrderRequest replies only if idle; a busy robot stays silent and
// lets the screen's award timeout move on (spec §4.2).
func (r *Robot) handleOrderRequest(addr string, req protocol.OrderRequest) {
	if r.currentOrder != nil {
		return
	}
	w, ok := r.screens[addr]
	if !ok {
		return
	}

	reply := protocol.OrderRequest{
		Message: protocol.MsgOrderRequest,
		IP:      r.listenAddr,
		ID:      uint64(r.id),
	}
	if err := w.Send(reply); err != nil {
		r.logger.Error("failed to reply to OrderRequest", slog.Any("error", err))
	}
}

// handleOrderPrepFromScreen accepts the order if idle, or bounces it back
// ROBOT_BUSY if a race was lost against another robot's acceptance.
func (r *Robot) handleOrderPrepFromScreen(addr string, order protocol.OrderPrep) {
	w, ok := r.screens[addr]
	if !ok {
		r.logger.Warn("OrderPrep from unknown connection, dropping", slog.String("addr", addr))
		return
	}

	if r.currentOrder != nil {
		order.FailFlag = protocol.RobotBusy
		order.IP = r.listenAddr
		if err := w.Send(order); err != nil {
			r.logger.Error("failed to bounce busy OrderPrep", slog.Any("error", err))
		}
		return
	}

	perFlavour := float64(order.Size) / float64(len(order.Flavours))
	need := make(map[string]float64, len(order.Flavours))
	for _, f := range order.Flavours {
		need[f] = perFlavour
	}

	r.need = need
	r.currentOrder = &order
	r.orderOwner = addr
	_, r.orderSpan = r.tracer.Start(context.Background(), "current_order",
		trace.WithAttributes(attribute.Int64("order.id", int64(order.ID)), attribute.Int("robot.id", r.id)))
	r.logger.Info("order accepted, awaiting flavour tokens",
		slog.Uint64("order_id", order.ID), slog.String("screen", addr))
}

func (r *Robot) emitInitialTokens() {
	r.logger.Info("initialising ring tokens")
	for _, name := range config.FlavourNames {
		f := protocol.Flavour{Name: name, Amount: config.FlavourInitialAmount}
		if err := r.nextWriter.Send(f); err != nil {
			r.logger.Error("failed to emit initial token", slog.String("name", name), slog.Any("error", err))
			continue
		}
		r.cache.observe(name, f.Amount)
	}
}

// shutdown notifies both ring neighbours with the LOCAL address of each
// link (so the peer can tell which side of the ring it lost) and drains
// before the caller exits (spec §4.2).
func (r *Robot) shutdown() {
	r.logger.Info("robot shutting down")

	if r.orderSpan != nil {
		r.orderSpan.End()
		r.orderSpan = nil
	}

	id := strconv.Itoa(r.id)
	if r.prevWriter != nil {
		d := protocol.Disconnect{Message: protocol.MsgDisconnect, IP: r.prevLocal, ID: id}
		if err := r.prevWriter.Send(d); err != nil {
			r.logger.Warn("failed to notify previous robot of shutdown", slog.Any("error", err))
		}
	}
	if r.nextWriter != nil {
		d := protocol.Disconnect{Message: protocol.MsgDisconnect, IP: r.nextLocal, ID: id}
		if err := r.nextWriter.Send(d); err != nil {
			r.logger.Warn("failed to notify next robot of shutdown", slog.Any("error", err))
		}
	}

	time.Sleep(config.ShutdownDrain)
}
