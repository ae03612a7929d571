package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/icering/coordination/internal/protocol"
)

func TestAppendWritesOneLinePerConfirmation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	l := Open(path)

	confirmation := protocol.PaymentConfirmation{
		Message: protocol.MsgPaymentConfirmation,
		ID:      "screen-1",
		OrderData: protocol.OrderPrep{
			ID:       4,
			Size:     9,
			Flavours: []string{"Vainilla", "Tramontana"},
		},
	}

	if err := l.Append("screen-1", confirmation); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}

	line := string(data)
	if !strings.Contains(line, "screen-1 completed order of size 9 with flavours Vainilla,Tramontana") {
		t.Errorf("unexpected ledger line: %q", line)
	}
}

func TestAppendAppendsAcrossMultipleCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	l := Open(path)

	for i := 0; i < 3; i++ {
		confirmation := protocol.PaymentConfirmation{
			ID:        "screen-1",
			OrderData: protocol.OrderPrep{ID: uint64(i), Size: 1, Flavours: []string{"Vainilla"}},
		}
		if err := l.Append("screen-1", confirmation); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), data)
	}
}
