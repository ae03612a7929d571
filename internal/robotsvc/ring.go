package robotsvc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/icering/coordination/internal/config"
	"github.com/icering/coordination/internal/netutil"
	"github.com/icering/coordination/internal/protocol"
)

// bootstrapRing connects to the next robot and accepts the previous one, in
// an order chosen by parity so the ring cannot deadlock on mutual connect
// (spec §4.2).
func (r *Robot) bootstrapRing() error {
	nextID := (r.id + 1) % r.n
	nextAddr := config.RobotAddr(nextID)

	if r.id%2 == 0 {
		conn, err := dialWithRetry(nextAddr)
		if err != nil {
			return err
		}
		r.setNext(conn)

		conn2, err := r.ln.Accept()
		if err != nil {
			return err
		}
		r.setPrev(conn2)
	} else {
		conn2, err := r.ln.Accept()
		if err != nil {
			return err
		}
		r.setPrev(conn2)

		conn, err := dialWithRetry(nextAddr)
		if err != nil {
			return err
		}
		r.setNext(conn)
	}

	r.logger.Info("ring established", slog.String("prev", r.prevAddr), slog.String("next", r.nextAddr))
	return nil
}

// dialWithRetry tolerates robots starting up concurrently: a peer's
// listener may not be bound yet when we try to connect.
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

func (r *Robot) setPrev(conn net.Conn) {
	r.prevGen++
	gen := r.prevGen
	r.prevAddr = conn.RemoteAddr().String()
	r.prevLocal = conn.LocalAddr().String()
	r.prevWriter = netutil.NewWriter(conn)
	go r.readPrevLoop(netutil.NewReader(conn), gen)
}

func (r *Robot) setNext(conn net.Conn) {
	r.nextGen++
	gen := r.nextGen
	r.nextAddr = conn.RemoteAddr().String()
	r.nextLocal = conn.LocalAddr().String()
	r.nextWriter = netutil.NewWriter(conn)
	go r.readNextLoop(netutil.NewReader(conn), gen)
}

func (r *Robot) readPrevLoop(reader *netutil.Reader, gen int) {
	for {
		frame, err := reader.Next()
		if err != nil {
			var frameErr *netutil.FrameError
			if errors.As(err, &frameErr) {
				r.logger.Warn("dropping malformed frame on previous link", slog.Any("error", frameErr))
				continue
			}
			r.events <- prevLost{gen: gen}
			return
		}
		r.events <- frameFromPrev{frame: frame}
	}
}

func (r *Robot) readNextLoop(reader *netutil.Reader, gen int) {
	for {
		frame, err := reader.Next()
		if err != nil {
			var frameErr *netutil.FrameError
			if errors.As(err, &frameErr) {
				r.logger.Warn("dropping malformed frame on next link", slog.Any("error", frameErr))
				continue
			}
			r.events <- nextLost{gen: gen}
			return
		}
		r.events <- frameFromNext{frame: frame}
	}
}

func (r *Robot) handleInboundAccepted(conn net.Conn) {
	addr := conn.RemoteAddr().String()

	if r.screensAccepted < r.screenCount {
		r.screens[addr] = netutil.NewWriter(conn)
		r.screensAccepted++
		go r.readScreenLoop(addr, netutil.NewReader(conn))
		r.logger.Info("screen connected", slog.String("addr", addr))
		return
	}

	// Ring-reconnect handler (spec §4.2): any inbound connection accepted
	// after boot and after the S screens is assumed to be our new previous
	// neighbour dialing in after a skip-dead-neighbour reconnect upstream.
	r.setPrev(conn)
	r.metrics.RingReconnects.Inc()
	r.logger.Info("ring reconnected: new previous neighbour", slog.String("addr", addr))
}

func (r *Robot) handlePrevLost(gen int) {
	if gen != r.prevGen {
		return // stale signal from a link already replaced
	}
	r.logger.Warn("previous link lost, waiting for ring-reconnect", slog.String("addr", r.prevAddr))
}

func (r *Robot) handleNextLost(gen int) {
	if gen != r.nextGen {
		return
	}
	r.logger.Warn("next link lost, healing ring", slog.String("addr", r.nextAddr))
	r.healRing()
}

// healRing implements skip-dead-neighbour: dial (self.id+k) mod N with k
// incrementing until a live neighbour answers (spec §9 generalises this
// from the fixed +2 skip used in the original source).
func (r *Robot) healRing() {
	for k := 2; k < r.n; k++ {
		candidate := (r.id + k) % r.n
		addr := config.RobotAddr(candidate)
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			r.logger.Warn("skip-dead-neighbour dial failed, trying next candidate",
				slog.Int("candidate", candidate), slog.Any("error", err))
			continue
		}
		r.setNext(conn)
		r.metrics.RingReconnects.Inc()
		r.logger.Info("ring healed: new next neighbour", slog.Int("robot_id", candidate))
		return
	}
	r.logger.Error("failed to heal ring: no live neighbour found")
}

func (r *Robot) handleRingFrame(frame protocol.Frame) {
	switch {
	case frame.Flavour != nil:
		r.handleFlavourToken(*frame.Flavour)
	case frame.Disconnect != nil:
		r.handleRingDisconnect(*frame.Disconnect)
	default:
		r.logger.Warn("dropping unexpected frame on ring link")
	}
}

func (r *Robot) handleRingDisconnect(d protocol.Disconnect) {
	if d.IP == r.prevAddr {
		r.logger.Warn("previous robot disconnected, waiting for ring-reconnect", slog.String("addr", d.IP))
		return
	}
	r.logger.Warn("next robot disconnected, healing ring", slog.String("addr", d.IP))
	r.healRing()
}
