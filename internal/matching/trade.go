package matching

// QScale is the quantity scaling divisor used to compute trade notional.
const QScale = 1_000_000

// Trade is an immutable fill between a maker and a taker.
type Trade struct {
	TradeID       string
	Symbol        string
	Price         int64
	Quantity      int64
	AggressorSide Side
	MakerOrderID  string
	TakerOrderID  string
	Timestamp     int64
	MakerFee      int64
	TakerFee      int64
}

// CalculateFees computes maker/taker fees for one trade. notional =
// (price*quantity)/QScale; fee = notional*bps/10000. All division is
// integer, truncating toward zero.
func CalculateFees(price, quantity, makerBps, takerBps int64) (makerFee, takerFee int64) {
	notional := (price * quantity) / QScale
	makerFee = (notional * makerBps) / 10000
	takerFee = (notional * takerBps) / 10000
	return makerFee, takerFee
}
