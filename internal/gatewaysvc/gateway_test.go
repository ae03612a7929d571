package gatewaysvc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/icering/coordination/internal/ledger"
	"github.com/icering/coordination/internal/netutil"
	"github.com/icering/coordination/internal/protocol"
	"github.com/icering/coordination/internal/telemetry"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *telemetry.CoordinationMetrics
)

func sharedTestMetrics() *telemetry.CoordinationMetrics {
	testMetricsOnce.Do(func() {
		testMetrics = telemetry.NewCoordinationMetrics("gateway_test")
	})
	return testMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// alwaysValid never flips a capture invalid, keeping gateway tests
// deterministic.
type alwaysValid struct{}

func (alwaysValid) Decide(ctx context.Context, orderID string) bool { return true }

// neverValid always flips a capture invalid.
type neverValid struct{}

func (neverValid) Decide(ctx context.Context, orderID string) bool { return false }

func newPipeGateway(t *testing.T, decider CaptureDecider) (*Gateway, string, string, *bufio.Reader) {
	t.Helper()

	server, client := net.Pipe()
	ledgerPath := filepath.Join(t.TempDir(), "log.txt")
	led := ledger.Open(ledgerPath)

	g := &Gateway{
		listenAddr: "127.0.0.1:20000",
		decider:    decider,
		ledger:     led,
		publisher:  nil,
		metrics:    sharedTestMetrics(),
		logger:     testLogger(),
		events:     make(chan event, 8),
		screens:    make(map[string]*netutil.Writer),
	}

	addr := client.LocalAddr().String()
	g.screens[addr] = netutil.NewWriter(server)

	return g, addr, ledgerPath, bufio.NewReader(client)
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

func TestHandleCaptureRewritesIPAndID(t *testing.T) {
	g, addr, _, reader := newPipeGateway(t, alwaysValid{})

	go g.handleCapture(addr, protocol.PaymentCapture{Message: protocol.MsgPaymentCapture, IP: addr, ID: "screen-1", Valid: true})

	var reply protocol.PaymentCapture
	decodeLine(t, reader, &reply)

	if !reply.Valid {
		t.Errorf("expected Valid=true with alwaysValid decider")
	}
	if reply.IP != g.listenAddr || reply.ID != g.listenAddr {
		t.Errorf("reply.IP/ID = %q/%q, want both rewritten to %q", reply.IP, reply.ID, g.listenAddr)
	}
}

func TestHandleCaptureDeciderCanFlipValid(t *testing.T) {
	g, addr, _, reader := newPipeGateway(t, neverValid{})

	go g.handleCapture(addr, protocol.PaymentCapture{Message: protocol.MsgPaymentCapture, IP: addr, ID: "screen-1", Valid: true})

	var reply protocol.PaymentCapture
	decodeLine(t, reader, &reply)

	if reply.Valid {
		t.Errorf("expected Valid=false with neverValid decider")
	}
}

func TestHandleConfirmationAppendsLedgerLine(t *testing.T) {
	g, _, ledgerPath, _ := newPipeGateway(t, alwaysValid{})

	g.handleConfirmation(protocol.PaymentConfirmation{
		Message: protocol.MsgPaymentConfirmation,
		ID:      "screen-1",
		OrderData: protocol.OrderPrep{
			ID:       3,
			Size:     6,
			Flavours: []string{"Vainilla"},
		},
	})

	data, err := os.ReadFile(ledgerPath)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if !strings.Contains(string(data), "screen-1 completed order of size 6 with flavours Vainilla") {
		t.Errorf("unexpected ledger contents: %q", data)
	}
}

func TestHandleDisconnectReportsEmptyWhenLastScreenLeaves(t *testing.T) {
	g, addr, _, _ := newPipeGateway(t, alwaysValid{})

	if done := g.handleDisconnect(addr); !done {
		t.Errorf("expected handleDisconnect to report empty screen set after the only screen disconnects")
	}
	if _, ok := g.screens[addr]; ok {
		t.Errorf("expected screen removed from map")
	}
}

func TestHandleDisconnectKeepsRunningWithOtherScreens(t *testing.T) {
	g, addr, _, _ := newPipeGateway(t, alwaysValid{})

	otherServer, _ := net.Pipe()
	g.screens["other-addr"] = netutil.NewWriter(otherServer)

	if done := g.handleDisconnect(addr); done {
		t.Errorf("expected handleDisconnect to report still-running with another screen connected")
	}
}

func TestHandleFrameDispatchesDisconnect(t *testing.T) {
	g, addr, _, _ := newPipeGateway(t, alwaysValid{})

	done := g.handleFrame(addr, protocol.Frame{Disconnect: &protocol.Disconnect{Message: protocol.MsgDisconnect, IP: addr}})
	if !done {
		t.Errorf("expected handleFrame to propagate handleDisconnect's result")
	}
}

func TestNewBernoulliDeciderBounds(t *testing.T) {
	d := NewBernoulliDecider(1.0)
	for i := 0; i < 20; i++ {
		if !d.Decide(context.Background(), "x") {
			t.Fatalf("decider with probability 1.0 must always return true")
		}
	}
}

func TestNewStripeRiskDeciderPassthroughWhenDisabled(t *testing.T) {
	d := NewStripeRiskDecider("", alwaysValid{}, testLogger())
	if _, ok := d.(alwaysValid); !ok {
		t.Errorf("expected NewStripeRiskDecider to return next unchanged when apiKey is empty")
	}
}
