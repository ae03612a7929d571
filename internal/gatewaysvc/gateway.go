// Package gatewaysvc implements the payment Gateway: it accepts exactly
// ScreenCount screen connections, decides PaymentCapture outcomes, appends
// PaymentConfirmation lines to the ledger, and releases a screen on
// Disconnect.
//
// Per spec §5, the Gateway is a single-threaded actor: one goroutine (run)
// owns every field below and is the only goroutine that ever touches them.
// Reader goroutines (one per screen connection) only ever push events onto
// a single channel.
package gatewaysvc

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/icering/coordination/internal/eventbus"
	"github.com/icering/coordination/internal/ledger"
	"github.com/icering/coordination/internal/netutil"
	"github.com/icering/coordination/internal/protocol"
	"github.com/icering/coordination/internal/telemetry"
)

type event interface{ isEvent() }

type connAccepted struct{ conn net.Conn }
type frameReceived struct {
	addr  string
	frame protocol.Frame
}
type connLost struct{ addr string }
type shutdownRequested struct{}

func (connAccepted) isEvent()     {}
func (frameReceived) isEvent()    {}
func (connLost) isEvent()         {}
func (shutdownRequested) isEvent() {}

// Gateway is the payment gateway process.
type Gateway struct {
	listenAddr  string
	screenCount int
	decider     CaptureDecider
	ledger      *ledger.Ledger
	publisher   *eventbus.Publisher
	metrics     *telemetry.CoordinationMetrics
	logger      *slog.Logger

	events chan event

	screens map[string]*netutil.Writer // keyed by remote addr
}

// New builds a Gateway. Call Run to start serving.
func New(listenAddr string, screenCount int, decider CaptureDecider, led *ledger.Ledger, publisher *eventbus.Publisher, metrics *telemetry.CoordinationMetrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		listenAddr:  listenAddr,
		screenCount: screenCount,
		decider:     decider,
		ledger:      led,
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
		events:      make(chan event, 64),
		screens:     make(map[string]*netutil.Writer),
	}
}

// Run listens on g.listenAddr and drives the actor loop until every screen
// has disconnected or ctx is cancelled. Up to screenCount connections are
// accepted in the background while the loop runs, so a screen that connects
// early is served before the remaining screens have connected.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go g.acceptLoop(ln)

	go func() {
		<-ctx.Done()
		g.events <- shutdownRequested{}
	}()

	return g.loop()
}

func (g *Gateway) acceptLoop(ln net.Listener) {
	for i := 0; i < g.screenCount; i++ {
		conn, err := ln.Accept()
		if err != nil {
			g.logger.Error("accept failed", slog.Any("error", err))
			return
		}
		g.events <- connAccepted{conn: conn}
	}
}

func (g *Gateway) readLoop(addr string, r *netutil.Reader) {
	for {
		frame, err := r.Next()
		if err != nil {
			var frameErr *netutil.FrameError
			if errors.As(err, &frameErr) {
				g.logger.Warn("dropping malformed frame from screen", slog.String("addr", addr), slog.Any("error", frameErr))
				continue
			}
			g.events <- connLost{addr: addr}
			return
		}
		g.events <- frameReceived{addr: addr, frame: frame}
	}
}

func (g *Gateway) loop() error {
	for ev := range g.events {
		switch e := ev.(type) {
		case connAccepted:
			addr := e.conn.RemoteAddr().String()
			g.screens[addr] = netutil.NewWriter(e.conn)
			go g.readLoop(addr, netutil.NewReader(e.conn))
			g.logger.Info("screen connected", slog.String("addr", addr))

		case frameReceived:
			if g.handleFrame(e.addr, e.frame) {
				return nil
			}

		case connLost:
			delete(g.screens, e.addr)
			g.logger.Info("screen connection lost", slog.String("addr", e.addr))
			if len(g.screens) == 0 {
				return nil
			}

		case shutdownRequested:
			g.logger.Info("gateway shutting down")
			return nil
		}
	}
	return nil
}

// handleFrame dispatches one decoded frame and reports whether the
// gateway's connection map just became empty (meaning it should terminate).
func (g *Gateway) handleFrame(addr string, frame protocol.Frame) bool {
	switch {
	case frame.PaymentCapture != nil:
		g.handleCapture(addr, *frame.PaymentCapture)
	case frame.PaymentConfirmation != nil:
		g.handleConfirmation(*frame.PaymentConfirmation)
	case frame.Disconnect != nil:
		return g.handleDisconnect(addr)
	default:
		g.logger.Warn("dropping unexpected frame on gateway connection", slog.String("addr", addr))
	}
	return false
}

func (g *Gateway) handleCapture(addr string, capture protocol.PaymentCapture) {
	w, ok := g.screens[addr]
	if !ok {
		g.logger.Warn("capture from unknown connection, dropping", slog.String("addr", addr))
		return
	}

	g.metrics.OrdersCaptured.Inc()

	capture.Valid = capture.Valid && g.decider.Decide(context.Background(), capture.ID)
	capture.IP = g.listenAddr
	capture.ID = g.listenAddr

	if err := w.Send(capture); err != nil {
		g.logger.Error("failed to reply to PaymentCapture", slog.Any("error", err))
	}
}

func (g *Gateway) handleConfirmation(confirmation protocol.PaymentConfirmation) {
	screenID := confirmation.ID

	if err := g.ledger.Append(screenID, confirmation); err != nil {
		g.logger.Error("ledger write failed", slog.Any("error", err))
		return
	}

	g.metrics.OrdersConfirmed.Inc()
	g.publisher.PublishConfirmed(screenID, confirmation)
}

func (g *Gateway) handleDisconnect(addr string) bool {
	if _, ok := g.screens[addr]; ok {
		delete(g.screens, addr)
		g.logger.Info("screen disconnected", slog.String("addr", addr))
	}
	return len(g.screens) == 0
}
