// Package protocol defines the wire messages exchanged between screens,
// robots and the gateway, and the fail_flag outcome codes carried on
// OrderPrep replies.
package protocol

// Outcome codes carried on OrderPrep.FailFlag. A non-zero value appears
// only on messages flowing from a robot back to a screen.
const (
	Success        uint8 = 0
	FailedNoStock  uint8 = 1
	RobotBusy      uint8 = 2
)

// Discriminator values carried in every frame's "message" field.
const (
	MsgOrderPrep            = "OrderPrep"
	MsgOrderRequest         = "OrderRequest"
	MsgPaymentCapture       = "PaymentCapture"
	MsgPaymentConfirmation  = "PaymentConfirmation"
	MsgDisconnect           = "Disconnect"
)

// Flavour is a single ingredient token. Exactly one token per configured
// name circulates in the ring; Amount is decreased as it is consumed.
type Flavour struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

// OrderJSON is the screen-local request before it enters the protocol.
type OrderJSON struct {
	ID       uint64   `json:"id"`
	Size     uint64   `json:"size"`
	Flavours []string `json:"flavours"`
}

// OrderPrep is the protocol-level carrier of an order. IP is rewritten at
// each hop to the sender's own listening address.
type OrderPrep struct {
	Message  string   `json:"message"`
	IP       string   `json:"ip"`
	ID       uint64   `json:"id"`
	Size     uint64   `json:"size"`
	Flavours []string `json:"flavours"`
	FailFlag uint8    `json:"fail_flag"`
}

// NewOrderPrep builds an OrderPrep from an OrderJSON with FailFlag=Success.
func NewOrderPrep(o OrderJSON, ip string) OrderPrep {
	return OrderPrep{
		Message:  MsgOrderPrep,
		IP:       ip,
		ID:       o.ID,
		Size:     o.Size,
		Flavours: o.Flavours,
		FailFlag: Success,
	}
}

// OrderRequest is the screen<->robot handshake asking "can you take order id?".
type OrderRequest struct {
	Message string `json:"message"`
	IP      string `json:"ip"`
	ID      uint64 `json:"id"`
}

// PaymentCapture asks the gateway to hold a charge (screen->gateway) or
// carries the gateway's decision back (gateway->screen).
type PaymentCapture struct {
	Message string `json:"message"`
	IP      string `json:"ip"`
	ID      string `json:"id"`
	Valid   bool   `json:"valid"`
}

// PaymentConfirmation commits a previously captured hold.
type PaymentConfirmation struct {
	Message   string    `json:"message"`
	IP        string    `json:"ip"`
	ID        string    `json:"id"`
	OrderData OrderPrep `json:"order_data"`
}

// Disconnect announces an orderly exit to a peer.
type Disconnect struct {
	Message string `json:"message"`
	IP      string `json:"ip"`
	ID      string `json:"id"`
}
