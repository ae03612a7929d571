package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// envelope reads just the discriminator field out of a frame, so the frame
// can then be unmarshalled into its concrete type. This replaces the
// fragile substring scan described informally in the wire format: dispatch
// is by the decoded "message" field alone, via an exhaustive switch.
type envelope struct {
	Message string `json:"message"`
}

// Frame is the union of every decoded message type, with exactly one
// field non-nil/non-zero per the envelope's Message discriminator.
type Frame struct {
	OrderPrep           *OrderPrep
	OrderRequest        *OrderRequest
	PaymentCapture      *PaymentCapture
	PaymentConfirmation *PaymentConfirmation
	Disconnect          *Disconnect
	Flavour             *Flavour
}

// ErrUnknownMessage is returned by Decode when the discriminator does not
// match any known message type. Callers should log and drop the line.
type ErrUnknownMessage struct {
	Raw string
}

func (e *ErrUnknownMessage) Error() string {
	return fmt.Sprintf("unknown message discriminator in frame: %s", e.Raw)
}

// Decode parses one line into a Frame, dispatching exhaustively on the
// envelope's Message field.
func Decode(line []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Frame{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Message {
	case MsgOrderPrep:
		var m OrderPrep
		if err := json.Unmarshal(line, &m); err != nil {
			return Frame{}, err
		}
		return Frame{OrderPrep: &m}, nil
	case MsgOrderRequest:
		var m OrderRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return Frame{}, err
		}
		return Frame{OrderRequest: &m}, nil
	case MsgPaymentCapture:
		var m PaymentCapture
		if err := json.Unmarshal(line, &m); err != nil {
			return Frame{}, err
		}
		return Frame{PaymentCapture: &m}, nil
	case MsgPaymentConfirmation:
		var m PaymentConfirmation
		if err := json.Unmarshal(line, &m); err != nil {
			return Frame{}, err
		}
		return Frame{PaymentConfirmation: &m}, nil
	case MsgDisconnect:
		var m Disconnect
		if err := json.Unmarshal(line, &m); err != nil {
			return Frame{}, err
		}
		return Frame{Disconnect: &m}, nil
	case "":
		// Flavour tokens carry no "message" field at all (see spec §3):
		// they are distinguished structurally by having a "name"/"amount"
		// pair and nothing else.
		var f Flavour
		if err := json.Unmarshal(line, &f); err != nil || f.Name == "" {
			return Frame{}, &ErrUnknownMessage{Raw: string(line)}
		}
		return Frame{Flavour: &f}, nil
	default:
		return Frame{}, &ErrUnknownMessage{Raw: string(line)}
	}
}

// Encode marshals v (one of the message types, or a Flavour) followed by
// '\n' onto w and flushes w, so every frame is on the wire when Encode
// returns.
func Encode(w *bufio.Writer, v interface{}) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return err
	}
	return w.Flush()
}
