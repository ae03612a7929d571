// Package screensvc implements the Screen process: it reads orders from a
// local file, captures payment with the gateway, broadcasts the order to
// every connected robot, and confirms payment once a robot completes it.
//
// Per spec §5, the Screen is a single-threaded actor: one goroutine (loop)
// owns every field below. Reader goroutines (gateway, one per robot) and
// the order-award timer only ever push typed events onto a channel.
package screensvc

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

type gatewayFrame struct{ frame protocol.Frame }
type robotFrame struct {
	addr  string
	frame protocol.Frame
}
type gatewayLost struct{}
type robotLost struct{ addr string }
type receiveOrder struct{}
type timerFired struct{ id uint64 }
type shutdownRequested struct{}

func (gatewayFrame) isEvent()      {}
func (robotFrame) isEvent()        {}
func (gatewayLost) isEvent()       {}
func (robotLost) isEvent()         {}
func (receiveOrder) isEvent()      {}
func (timerFired) isEvent()        {}
func (shutdownRequested) isEvent() {}

// Screen drives one screen's order FSM. Call New then Run.
type Screen struct {
	id     uint8
	source OrderSource

	logger  *slog.Logger
	metrics *telemetry.CoordinationMetrics
	tracer  trace.Tracer

	events chan event

	gatewayWriter *netutil.Writer
	gatewayLocal  string // our local addr on the gateway connection

	robots     map[string]*netutil.Writer // keyed by robot's listen addr
	robotLocal map[string]string          // robot addr -> our local addr on that connection

	currentOrder   *protocol.OrderPrep
	orderInProcess bool
	finishedOrders map[uint64]bool
	orderSpan      trace.Span
}

// New builds a Screen. Call Run to connect and start serving.
func New(id uint8, source OrderSource, metrics *telemetry.CoordinationMetrics, logger *slog.Logger) *Screen {
	return &Screen{
		id:             id,
		source:         source,
		metrics:        metrics,
		logger:         logger,
		tracer:         otel.Tracer("screensvc"),
		events:         make(chan event, 64),
		robots:         make(map[string]*netutil.Writer),
		robotLocal:     make(map[string]string),
		finishedOrders: make(map[uint64]bool),
	}
}

// Run connects to the gateway and every robot, reads the first order, and
// drives the actor loop until ctx is cancelled.
func (s *Screen) Run(ctx context.Context) error {
	if err := s.connectGateway(); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	s.connectRobots()
	if len(s.robots) == 0 {
		return fmt.Errorf("no robots connected to screen")
	}

	go func() {
		<-ctx.Done()
		s.events <- shutdownRequested{}
	}()

	s.handleReceiveOrder()

	return s.loop()
}

func (s *Screen) connectGateway() error {
	conn, err := dialWithRetry(config.GatewayAddr())
	if err != nil {
		return err
	}
	s.gatewayWriter = netutil.NewWriter(conn)
	s.gatewayLocal = conn.LocalAddr().String()
	go s.readGatewayLoop(netutil.NewReader(conn))
	s.logger.Info("connected to gateway", slog.String("local_addr", s.gatewayLocal))
	return nil
}

// connectRobots attempts every configured robot and keeps whichever
// connect; a single unreachable robot does not prevent the screen from
// starting (spec: "attempts to connect with all robots ... returns an
// error [only] if all connections failed").
func (s *Screen) connectRobots() {
	for id := 0; id < config.RobotCount; id++ {
		addr := config.RobotAddr(id)
		conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err != nil {
			s.logger.Warn("couldn't connect to robot", slog.String("addr", addr), slog.Any("error", err))
			continue
		}
		remote := conn.RemoteAddr().String()
		s.robots[remote] = netutil.NewWriter(conn)
		s.robotLocal[remote] = conn.LocalAddr().String()
		go s.readRobotLoop(remote, netutil.NewReader(conn))
		s.logger.Info("connected to robot", slog.String("addr", remote))
	}
}

// dialWithRetry tolerates the gateway not having bound its listener yet.
func dialWithRetry(addr string) (net.Conn, error) {
	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

func (s *Screen) readGatewayLoop(reader *netutil.Reader) {
	for {
		frame, err := reader.Next()
		if err != nil {
			var frameErr *netutil.FrameError
			if errors.As(err, &frameErr) {
				s.logger.Warn("dropping malformed frame from gateway", slog.Any("error", frameErr))
				continue
			}
			s.events <- gatewayLost{}
			return
		}
		s.events <- gatewayFrame{frame: frame}
	}
}

func (s *Screen) readRobotLoop(addr string, reader *netutil.Reader) {
	for {
		frame, err := reader.Next()
		if err != nil {
			var frameErr *netutil.FrameError
			if errors.As(err, &frameErr) {
				s.logger.Warn("dropping malformed frame from robot", slog.String("addr", addr), slog.Any("error", frameErr))
				continue
			}
			s.events <- robotLost{addr: addr}
			return
		}
		s.events <- robotFrame{addr: addr, frame: frame}
	}
}

func (s *Screen) loop() error {
	for ev := range s.events {
		switch e := ev.(type) {
		case gatewayFrame:
			s.handleGatewayFrame(e.frame)
		case robotFrame:
			s.handleRobotFrame(e.addr, e.frame)
		case gatewayLost:
			s.logger.Error("lost connection to gateway")
		case robotLost:
			delete(s.robots, e.addr)
			delete(s.robotLocal, e.addr)
			s.logger.Warn("lost connection to robot", slog.String("addr", e.addr))
		case receiveOrder:
			s.handleReceiveOrder()
		case timerFired:
			s.handleTimerFired(e.id)
		case shutdownRequested:
			s.shutdown()
			return nil
		}
	}
	return nil
}

// handleReceiveOrder implements IDLE -> CAPTURING: read the next valid
// order from the file (skipping and logging degenerate ones), store it,
// and send PaymentCapture to the gateway. At EOF, remain IDLE.
func (s *Screen) handleReceiveOrder() {
	for {
		order, ok, err := s.source.Next()
		if err != nil {
			s.logger.Error("failed to read order line, skipping", slog.Any("error", err))
			continue
		}
		if !ok {
			s.logger.Info("no more orders, remaining idle")
			return
		}
		if !validOrder(order) {
			s.logger.Error("rejecting degenerate order", slog.Uint64("id", order.ID),
				slog.Uint64("size", order.Size), slog.Int("flavours", len(order.Flavours)))
			continue
		}

		prep := protocol.NewOrderPrep(order, "")
		s.currentOrder = &prep
		_, s.orderSpan = s.tracer.Start(context.Background(), "order",
			trace.WithAttributes(attribute.Int64("order.id", int64(order.ID)), attribute.Int("screen.id", int(s.id))))

		capture := protocol.PaymentCapture{
			Message: protocol.MsgPaymentCapture,
			IP:      s.gatewayLocal,
			ID:      strconv.Itoa(int(s.id)),
			Valid:   true,
		}
		if err := s.gatewayWriter.Send(capture); err != nil {
			s.logger.Error("failed to send PaymentCapture", slog.Any("error", err))
			s.endOrderSpan()
			return
		}
		s.metrics.OrdersCaptured.Inc()
		return
	}
}

func (s *Screen) handleGatewayFrame(frame protocol.Frame) {
	switch {
	case frame.PaymentCapture != nil:
		s.handlePaymentCaptureReply(*frame.PaymentCapture)
	default:
		s.logger.Warn("dropping unexpected frame from gateway")
	}
}

// handlePaymentCaptureReply implements CAPTURING -> BROADCASTING or
// CANCELLED.
func (s *Screen) handlePaymentCaptureReply(capture protocol.PaymentCapture) {
	if s.currentOrder == nil {
		s.logger.Warn("PaymentCapture reply with no current order, dropping")
		return
	}

	if capture.Valid {
		s.broadcastRequest()
		return
	}

	s.logger.Info("payment capture failed, cancelling order", slog.Uint64("id", s.currentOrder.ID))
	s.metrics.OrdersCancelled.Inc()
	s.currentOrder = nil
	s.endOrderSpan()
	s.handleReceiveOrder()
}

// endOrderSpan closes the in-flight per-order span, if any.
func (s *Screen) endOrderSpan() {
	if s.orderSpan != nil {
		s.orderSpan.End()
		s.orderSpan = nil
	}
}

func (s *Screen) broadcastRequest() {
	id := s.currentOrder.ID
	s.logger.Info("broadcasting order request", slog.Uint64("id", id))
	for addr, w := range s.robots {
		req := protocol.OrderRequest{Message: protocol.MsgOrderRequest, IP: s.robotLocal[addr], ID: id}
		if err := w.Send(req); err != nil {
			s.logger.Warn("failed to broadcast to robot", slog.String("addr", addr), slog.Any("error", err))
		}
	}
}

func (s *Screen) handleRobotFrame(addr string, frame protocol.Frame) {
	switch {
	case frame.OrderRequest != nil:
		s.handleOrderRequestReply(addr, *frame.OrderRequest)
	case frame.OrderPrep != nil:
		s.handleOrderResult(addr, *frame.OrderPrep)
	case frame.Disconnect != nil:
		delete(s.robots, addr)
		delete(s.robotLocal, addr)
		s.logger.Info("robot disconnected", slog.String("addr", addr))
	default:
		s.logger.Warn("dropping unexpected frame from robot", slog.String("addr", addr))
	}
}

// handleOrderRequestReply implements BROADCASTING -> AWAITING_RESULT. Only
// the first reply is honoured; later ones are ignored while
// order_in_process is true.
func (s *Screen) handleOrderRequestReply(addr string, req protocol.OrderRequest) {
	if s.orderInProcess || s.currentOrder == nil {
		return
	}

	w, ok := s.robots[addr]
	if !ok {
		return
	}

	s.orderInProcess = true
	s.currentOrder.IP = s.robotLocal[addr]
	if err := w.Send(*s.currentOrder); err != nil {
		s.logger.Error("failed to send OrderPrep to robot", slog.Any("error", err))
		return
	}
	s.logger.Info("order awarded to robot", slog.String("addr", addr), slog.Uint64("id", s.currentOrder.ID))
	s.startOrderTimer(s.currentOrder.ID)
}

func (s *Screen) startOrderTimer(id uint64) {
	go func() {
		time.Sleep(config.OrderAwardTimeout)
		s.events <- timerFired{id: id}
	}()
}

// handleOrderResult implements AWAITING_RESULT -> CONFIRMING / CANCELLED,
// or the ROBOT_BUSY self-loop (spec §4.3).
func (s *Screen) handleOrderResult(addr string, result protocol.OrderPrep) {
	switch result.FailFlag {
	case protocol.Success:
		s.finishedOrders[result.ID] = true
		s.confirmPayment(result)
		s.orderInProcess = false
		s.currentOrder = nil
		s.metrics.OrdersConfirmed.Inc()
		s.endOrderSpan()
		s.handleReceiveOrder()

	case protocol.FailedNoStock:
		s.finishedOrders[result.ID] = true
		s.orderInProcess = false
		s.currentOrder = nil
		s.metrics.OrdersCancelled.Inc()
		s.logger.Info("order cancelled, not enough stock", slog.Uint64("id", result.ID))
		s.endOrderSpan()
		s.handleReceiveOrder()

	case protocol.RobotBusy:
		s.orderInProcess = false
		s.logger.Info("robot was busy, waiting for award timer", slog.Uint64("id", result.ID))
	}
}

func (s *Screen) confirmPayment(order protocol.OrderPrep) {
	confirmation := protocol.PaymentConfirmation{
		Message:   protocol.MsgPaymentConfirmation,
		IP:        s.gatewayLocal,
		ID:        strconv.Itoa(int(s.id)),
		OrderData: order,
	}
	if err := s.gatewayWriter.Send(confirmation); err != nil {
		s.logger.Error("failed to send PaymentConfirmation", slog.Any("error", err))
	}
}

// handleTimerFired is the only protocol timeout in the system: if the
// order already finished, the firing is a stale no-op; otherwise
// re-broadcast (back to BROADCASTING with the same order).
func (s *Screen) handleTimerFired(id uint64) {
	if s.finishedOrders[id] {
		return
	}
	if s.currentOrder == nil || s.currentOrder.ID != id {
		return
	}
	s.metrics.OrderAwardTimeouts.Inc()
	s.logger.Warn("order award timed out, re-broadcasting", slog.Uint64("id", id))
	s.orderInProcess = false
	s.broadcastRequest()
}

// shutdown notifies the gateway (ip = local address facing it) and drains
// before the caller exits (spec §4.3).
func (s *Screen) shutdown() {
	s.logger.Info("screen shutting down")

	d := protocol.Disconnect{Message: protocol.MsgDisconnect, IP: s.gatewayLocal, ID: strconv.Itoa(int(s.id))}
	if err := s.gatewayWriter.Send(d); err != nil {
		s.logger.Warn("failed to notify gateway of shutdown", slog.Any("error", err))
	}

	time.Sleep(config.ShutdownDrain)
}
