package screensvc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/icering/coordination/internal/protocol"
)

// OrderSource yields one OrderJSON per call until exhausted. Next returns
// ok=false (with a nil error) at end of file.
type OrderSource interface {
	Next() (order protocol.OrderJSON, ok bool, err error)
}

// fileOrderSource reads one OrderJSON per line of a .jsonl file.
type fileOrderSource struct {
	f       *os.File
	scanner *bufio.Scanner
}

// OpenOrders opens path (a screen's orders/*.jsonl file) for sequential
// reading, one OrderJSON per line.
func OpenOrders(path string) (*fileOrderSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open orders file: %w", err)
	}
	return &fileOrderSource{f: f, scanner: bufio.NewScanner(f)}, nil
}

// Next decodes the next line. A malformed line is returned as an error so
// the caller can log it and move on to the following one.
func (s *fileOrderSource) Next() (protocol.OrderJSON, bool, error) {
	if !s.scanner.Scan() {
		return protocol.OrderJSON{}, false, s.scanner.Err()
	}

	var order protocol.OrderJSON
	if err := json.Unmarshal(s.scanner.Bytes(), &order); err != nil {
		return protocol.OrderJSON{}, true, fmt.Errorf("decode order line: %w", err)
	}
	return order, true, nil
}

func (s *fileOrderSource) Close() error {
	return s.f.Close()
}

// validOrder rejects degenerate orders (spec §9 open question: behaviour
// on size=0 or an empty flavour list is undefined in source, so such
// orders are rejected at parse time rather than handed to a robot).
func validOrder(o protocol.OrderJSON) bool {
	return o.Size > 0 && len(o.Flavours) > 0
}
