package events

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusCanceled  OrderStatus = "CANCELED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCanceled:
		return true
	}
	return false
}

// PendingTxnID is stored on new orders until payment assigns a real transaction id.
const PendingTxnID = "PENDING-TXN-ID"

type OrderLineItem struct {
	ID        int64  `json:"id,omitempty"`
	ProductID int64  `json:"productId"`
	ItemName  string `json:"itemName"`
	Qty       int    `json:"qty"`
	Price     string `json:"price"`
}

type OrderWithLineItems struct {
	ID          int64           `json:"id,omitempty"`
	OrderNumber int64           `json:"orderNumber"`
	CustomerID  int64           `json:"customerId"`
	TxnID       string          `json:"txnId"`
	Status      OrderStatus     `json:"status"`
	Amount      string          `json:"amount"`
	OrderItems  []OrderLineItem `json:"orderItems"`
}

// OrderPayload is the value of ORDER_CREATED and ORDER_CANCELED messages.
type OrderPayload struct {
	OrderInput *OrderWithLineItems `json:"orderInput"`
}
