package wal

import "encoding/json"

// RecordType is the kind of event an envelope carries.
type RecordType string

const (
	RecordOrder     RecordType = "order"
	RecordStopOrder RecordType = "stop_order"
	RecordTrade     RecordType = "trade"
	RecordCancel    RecordType = "cancel"
)

// Record is the typed envelope written, one per line, to the log.
type Record struct {
	Type      RecordType      `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// OrderPayload is the payload shape for a RecordOrder line.
type OrderPayload struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	OrderType string `json:"order_type"`
	Side      string `json:"side"`
	Quantity  int64  `json:"quantity"`
	Price     int64  `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// StopOrderPayload is the payload shape for a RecordStopOrder line.
type StopOrderPayload struct {
	OrderID      string `json:"order_id"`
	Symbol       string `json:"symbol"`
	OrderType    string `json:"order_type"`
	StopType     string `json:"stop_type"`
	Side         string `json:"side"`
	Quantity     int64  `json:"quantity"`
	TriggerPrice int64  `json:"trigger_price"`
	LimitPrice   int64  `json:"limit_price"`
	TrailAmount  int64  `json:"trail_amount"`
	BestPrice    int64  `json:"best_price"`
	Timestamp    int64  `json:"timestamp"`
}

// TradePayload is the payload shape for a RecordTrade line.
type TradePayload struct {
	TradeID       string `json:"trade_id"`
	Symbol        string `json:"symbol"`
	Price         int64  `json:"price"`
	Quantity      int64  `json:"quantity"`
	AggressorSide string `json:"aggressor_side"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	MakerFee      int64  `json:"maker_fee"`
	TakerFee      int64  `json:"taker_fee"`
	Timestamp     int64  `json:"timestamp"`
}

// CancelPayload is the payload shape for a RecordCancel line.
type CancelPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// encode marshals a typed payload into an envelope ready to be written.
func encode(recordType RecordType, timestamp int64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Record{Type: recordType, Timestamp: timestamp, Payload: raw})
}
