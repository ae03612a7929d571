package robotsvc

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/icering/coordination/internal/netutil"
	"github.com/icering/coordination/internal/protocol"
	"github.com/icering/coordination/internal/telemetry"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *telemetry.CoordinationMetrics
)

// sharedTestMetrics returns one CoordinationMetrics for the whole test
// binary: promauto panics on duplicate registration, so every test in this
// package must reuse the same instance.
func sharedTestMetrics() *telemetry.CoordinationMetrics {
	testMetricsOnce.Do(func() {
		testMetrics = telemetry.NewCoordinationMetrics("robot_test")
	})
	return testMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// newPipeRobot builds a bare Robot with a screen connection and a next-link
// connection backed by net.Pipe, so handlers can be exercised without real
// sockets or a listener.
func newPipeRobot(t *testing.T, id, n int) (*Robot, string, *bufio.Reader, *bufio.Reader) {
	t.Helper()

	screenServer, screenClient := net.Pipe()
	nextServer, nextClient := net.Pipe()

	r := &Robot{
		id:          id,
		n:           n,
		screenCount: 1,
		listenAddr:  "127.0.0.1:9999",
		logger:      testLogger(),
		metrics:     sharedTestMetrics(),
		tracer:      otel.Tracer("robotsvc"),
		events:      make(chan event, 8),
		screens:     make(map[string]*netutil.Writer),
		need:        make(map[string]float64),
	}

	screenAddr := screenClient.LocalAddr().String()
	r.screens[screenAddr] = netutil.NewWriter(screenServer)
	r.nextWriter = netutil.NewWriter(nextServer)

	return r, screenAddr, bufio.NewReader(screenClient), bufio.NewReader(nextClient)
}

func decodeLine(t *testing.T, br *bufio.Reader, v interface{}) {
	t.Helper()
	line, err := br.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if err := json.Unmarshal(line, v); err != nil {
		t.Fatalf("unmarshal %s: %v", line, err)
	}
}

func TestHandleOrderRequestRepliesWhenIdle(t *testing.T) {
	r, screenAddr, screenReader, _ := newPipeRobot(t, 1, 3)

	go r.handleOrderRequest(screenAddr, protocol.OrderRequest{Message: protocol.MsgOrderRequest, IP: screenAddr, ID: 42})

	var reply protocol.OrderRequest
	decodeLine(t, screenReader, &reply)

	if reply.ID != uint64(r.id) {
		t.Errorf("reply.ID = %d, want own robot id %d", reply.ID, r.id)
	}
	if reply.IP != r.listenAddr {
		t.Errorf("reply.IP = %q, want %q", reply.IP, r.listenAddr)
	}
}

func TestHandleOrderRequestSilentWhenBusy(t *testing.T) {
	r, screenAddr, screenReader, _ := newPipeRobot(t, 1, 3)
	r.currentOrder = &protocol.OrderPrep{ID: 1}

	done := make(chan struct{})
	go func() {
		r.handleOrderRequest(screenAddr, protocol.OrderRequest{IP: screenAddr, ID: 42})
		close(done)
	}()
	<-done

	// Nothing should have been written; closing the server conn unblocks
	// the pending read with an error instead of a decoded frame.
	r.screens[screenAddr].Close()
	if _, err := screenReader.ReadByte(); err == nil {
		t.Errorf("expected no bytes written while busy, got data")
	}
}

func TestHandleOrderPrepFromScreenComputesNeed(t *testing.T) {
	r, screenAddr, _, _ := newPipeRobot(t, 0, 3)

	order := protocol.OrderPrep{
		Message:  protocol.MsgOrderPrep,
		IP:       screenAddr,
		ID:       7,
		Size:     9,
		Flavours: []string{"Vainilla", "Tramontana", "Dulce de leche"},
	}
	r.handleOrderPrepFromScreen(screenAddr, order)

	if r.currentOrder == nil || r.currentOrder.ID != 7 {
		t.Fatalf("expected order 7 to be accepted, got %+v", r.currentOrder)
	}
	for _, f := range order.Flavours {
		if got, want := r.need[f], 3.0; got != want {
			t.Errorf("need[%s] = %v, want %v", f, got, want)
		}
	}
}

func TestHandleOrderPrepFromScreenBouncesWhenBusy(t *testing.T) {
	r, screenAddr, screenReader, _ := newPipeRobot(t, 0, 3)
	r.currentOrder = &protocol.OrderPrep{ID: 1}

	go r.handleOrderPrepFromScreen(screenAddr, protocol.OrderPrep{
		Message: protocol.MsgOrderPrep, IP: screenAddr, ID: 2, Size: 4, Flavours: []string{"Vainilla"},
	})

	var reply protocol.OrderPrep
	decodeLine(t, screenReader, &reply)

	if reply.FailFlag != protocol.RobotBusy {
		t.Errorf("FailFlag = %d, want RobotBusy", reply.FailFlag)
	}
	if reply.IP != r.listenAddr {
		t.Errorf("IP = %q, want own listen address %q", reply.IP, r.listenAddr)
	}
}

func TestHandleFlavourTokenCompletesOrderOnSufficientAmount(t *testing.T) {
	r, screenAddr, screenReader, nextReader := newPipeRobot(t, 0, 3)
	r.currentOrder = &protocol.OrderPrep{Message: protocol.MsgOrderPrep, ID: 3, IP: screenAddr}
	r.orderOwner = screenAddr
	r.need = map[string]float64{"Vainilla": 1} // the order's only flavour

	// net.Pipe writes block until read, so the handler can only return once
	// both the result and the forwarded token have been read.
	done := make(chan struct{})
	go func() {
		r.handleFlavourToken(protocol.Flavour{Name: "Vainilla", Amount: 10})
		close(done)
	}()

	var result protocol.OrderPrep
	decodeLine(t, screenReader, &result)
	if result.FailFlag != protocol.Success {
		t.Errorf("FailFlag = %d, want Success", result.FailFlag)
	}

	var forwarded protocol.Flavour
	decodeLine(t, nextReader, &forwarded)
	if forwarded.Name != "Vainilla" {
		t.Errorf("forwarded.Name = %q, want Vainilla", forwarded.Name)
	}

	<-done
	if r.currentOrder != nil {
		t.Errorf("expected currentOrder cleared after completion")
	}
}

func TestHandleFlavourTokenFailsOnInsufficientAmount(t *testing.T) {
	r, screenAddr, screenReader, nextReader := newPipeRobot(t, 0, 3)
	r.currentOrder = &protocol.OrderPrep{Message: protocol.MsgOrderPrep, ID: 9, IP: screenAddr}
	r.orderOwner = screenAddr
	r.need = map[string]float64{"Vainilla": 5}

	done := make(chan struct{})
	go func() {
		r.handleFlavourToken(protocol.Flavour{Name: "Vainilla", Amount: 1})
		close(done)
	}()

	var result protocol.OrderPrep
	decodeLine(t, screenReader, &result)
	if result.FailFlag != protocol.FailedNoStock {
		t.Errorf("FailFlag = %d, want FailedNoStock", result.FailFlag)
	}

	var forwarded protocol.Flavour
	decodeLine(t, nextReader, &forwarded)
	if forwarded.Amount != 1 {
		t.Errorf("token amount = %v, want unchanged 1 (not consumed on failure)", forwarded.Amount)
	}
	<-done
}

func TestSetNextIncrementsGeneration(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go ln.Accept()

	r := &Robot{id: 0, n: 4, logger: testLogger(), metrics: sharedTestMetrics()}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r.setNext(conn)
	if r.nextGen != 1 {
		t.Errorf("nextGen = %d, want 1 after first setNext", r.nextGen)
	}

	conn2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r.setNext(conn2)
	if r.nextGen != 2 {
		t.Errorf("nextGen = %d, want 2 after second setNext", r.nextGen)
	}
}

func TestHandleNextLostIgnoresStaleGeneration(t *testing.T) {
	r := &Robot{id: 0, n: 3, logger: testLogger(), metrics: sharedTestMetrics(), nextGen: 2}

	// A stale event from a generation that has already been superseded
	// must not attempt to heal again (a heal attempt here would dial
	// config.RobotAddr(2) and, if a robot listens there, replace the next
	// link).
	r.handleNextLost(1)
}
