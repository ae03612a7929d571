// Package ledger appends confirmed-order lines to the gateway's on-disk
// confirmation log. It is the only persistent state outside of a running
// process's memory.
package ledger

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/icering/coordination/internal/protocol"
)

// Ledger appends one human-readable line per confirmed order to an
// append-only file.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// Open returns a Ledger writing to path. Open does not touch the file; the
// first Append creates it if absent.
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

// Append writes one line for a PaymentConfirmation:
//
//	YYYY-MM-DD HH:MM:SS <screen_id> completed order of size <size> with flavours <f1>,<f2>,...
//
// Write failures are returned to the caller, who is expected to log and
// drop them per the gateway's error-handling policy; they are never
// retried and never surfaced back over the wire.
func (l *Ledger) Append(screenID string, confirmation protocol.PaymentConfirmation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s completed order of size %s with flavours %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		screenID,
		strconv.FormatUint(confirmation.OrderData.Size, 10),
		strings.Join(confirmation.OrderData.Flavours, ","),
	)

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write ledger line: %w", err)
	}
	return nil
}
