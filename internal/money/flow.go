package money

// Flow identifies one of the five product flows.
type Flow string

const (
	FlowSendMoney  Flow = "SEND_MONEY"
	FlowBuyAirtime Flow = "BUY_AIRTIME"
	FlowPaybill    Flow = "PAYBILL"
	FlowBuyGoods   Flow = "BUY_GOODS"
	FlowScanPay    Flow = "SCAN_PAY"
)

// Flows lists every supported flow.
var Flows = []Flow{FlowSendMoney, FlowBuyAirtime, FlowPaybill, FlowBuyGoods, FlowScanPay}

// Valid reports whether f is a known flow.
func (f Flow) Valid() bool {
	switch f {
	case FlowSendMoney, FlowBuyAirtime, FlowPaybill, FlowBuyGoods, FlowScanPay:
		return true
	}
	return false
}

// UsesSTK reports whether the flow pays out via STK-Push (customer approves a
// charge on their handset). The remaining flows use B2C (funds pushed to the
// recipient MSISDN).
func (f Flow) UsesSTK() bool {
	switch f {
	case FlowPaybill, FlowBuyGoods, FlowScanPay:
		return true
	}
	return false
}

// RequiresMerchantCode reports whether the flow targets a till or paybill.
func (f Flow) RequiresMerchantCode() bool {
	return f == FlowPaybill || f == FlowBuyGoods
}

// RequiresAccountNumber reports whether the flow needs an account reference.
func (f Flow) RequiresAccountNumber() bool {
	return f == FlowPaybill
}

// FeeSchedule holds the per-flow limits and service fee parameters.
// Percent is applied to the KES amount; the result is clamped to
// [MinFee, MaxFee]. All amounts are cents.
type FeeSchedule struct {
	MinAmount KES
	MaxAmount KES
	Percent   float64
	MinFee    KES
	MaxFee    KES
}

// feeTable is the authoritative fee and limit table. The service fee is 2.5%
// across flows with flow-specific caps; airtime has a tighter amount range.
var feeTable = map[Flow]FeeSchedule{
	FlowSendMoney:  {MinAmount: 10_00, MaxAmount: 150_000_00, Percent: 0.025, MinFee: 1_00, MaxFee: 1_000_00},
	FlowBuyAirtime: {MinAmount: 5_00, MaxAmount: 10_000_00, Percent: 0.025, MinFee: 1_00, MaxFee: 200_00},
	FlowPaybill:    {MinAmount: 10_00, MaxAmount: 150_000_00, Percent: 0.025, MinFee: 1_00, MaxFee: 1_000_00},
	FlowBuyGoods:   {MinAmount: 10_00, MaxAmount: 150_000_00, Percent: 0.025, MinFee: 1_00, MaxFee: 1_000_00},
	FlowScanPay:    {MinAmount: 10_00, MaxAmount: 150_000_00, Percent: 0.025, MinFee: 1_00, MaxFee: 1_000_00},
}

// ScheduleFor returns the fee schedule for a flow.
func ScheduleFor(flow Flow) (FeeSchedule, bool) {
	s, ok := feeTable[flow]
	return s, ok
}

// Fee computes the service fee for an amount under the schedule.
func (s FeeSchedule) Fee(amount KES) KES {
	fee := KES(float64(amount) * s.Percent)
	if fee < s.MinFee {
		fee = s.MinFee
	}
	if fee > s.MaxFee {
		fee = s.MaxFee
	}
	return fee
}

// InRange reports whether the amount is within the flow's limits.
func (s FeeSchedule) InRange(amount KES) bool {
	return amount >= s.MinAmount && amount <= s.MaxAmount
}
