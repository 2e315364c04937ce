package money

import "testing"

func TestSatsForKES(t *testing.T) {
	// 1025 KES at 5,000,000 KES/BTC: 1025/5000000*1e8 = 20500 sats exactly.
	sats, err := SatsForKES(FromShillings(1025), 5_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if sats != 20500 {
		t.Errorf("sats = %d, want 20500", sats)
	}

	// Non-exact division rounds up.
	sats, err = SatsForKES(FromShillings(1000), 5_999_999)
	if err != nil {
		t.Fatal(err)
	}
	want := Sats(16667) // 1000/5999999*1e8 = 16666.669...
	if sats != want {
		t.Errorf("sats = %d, want %d (ceil)", sats, want)
	}

	if _, err := SatsForKES(1000, 0); err == nil {
		t.Error("zero rate should error")
	}
}

func TestAddReserve(t *testing.T) {
	if got := Sats(20500).AddReserve(0.001); got != 20521 {
		t.Errorf("reserve = %d, want 20521", got)
	}
	if got := Sats(100).AddReserve(0); got != 100 {
		t.Errorf("zero reserve changed amount: %d", got)
	}
}

func TestFeeTable(t *testing.T) {
	cases := []struct {
		flow   Flow
		amount KES
		want   KES
	}{
		{FlowSendMoney, FromShillings(1000), FromShillings(25)}, // 2.5%
		{FlowSendMoney, FromShillings(10), 1_00},                // floor 1 KES
		{FlowSendMoney, FromShillings(150_000), 1_000_00},       // ceiling 1000 KES
		{FlowBuyAirtime, FromShillings(10_000), 200_00},         // airtime ceiling 200 KES
		{FlowPaybill, FromShillings(2000), FromShillings(50)},
	}
	for _, tc := range cases {
		sched, ok := ScheduleFor(tc.flow)
		if !ok {
			t.Fatalf("no schedule for %s", tc.flow)
		}
		if got := sched.Fee(tc.amount); got != tc.want {
			t.Errorf("Fee(%s, %v) = %v, want %v", tc.flow, tc.amount, got, tc.want)
		}
	}
}

func TestLimits(t *testing.T) {
	sched, _ := ScheduleFor(FlowBuyAirtime)
	if sched.InRange(FromShillings(4)) {
		t.Error("4 KES airtime should be below minimum")
	}
	if sched.InRange(FromShillings(10_001)) {
		t.Error("10001 KES airtime should be above maximum")
	}
	if !sched.InRange(FromShillings(500)) {
		t.Error("500 KES airtime should be in range")
	}
}

func TestFlowPredicates(t *testing.T) {
	if !FlowPaybill.UsesSTK() || FlowSendMoney.UsesSTK() {
		t.Error("STK mapping wrong")
	}
	if !FlowPaybill.RequiresMerchantCode() || FlowScanPay.RequiresMerchantCode() {
		t.Error("merchant code mapping wrong")
	}
	if !FlowPaybill.RequiresAccountNumber() || FlowBuyGoods.RequiresAccountNumber() {
		t.Error("account number mapping wrong")
	}
	if Flow("CARD").Valid() {
		t.Error("unknown flow accepted")
	}
}

func TestNormalizeMSISDN(t *testing.T) {
	good := map[string]string{
		"+254712345678": "254712345678",
		"254712345678":  "254712345678",
		"0712345678":    "254712345678",
		"0112345678":    "254112345678",
		"712345678":     "254712345678",
		"07 1234 5678":  "254712345678",
	}
	for in, want := range good {
		got, err := NormalizeMSISDN(in)
		if err != nil {
			t.Errorf("NormalizeMSISDN(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeMSISDN(%q) = %q, want %q", in, got, want)
		}
	}

	bad := []string{"", "12345", "25471234567", "0812345678", "07123456xx", "441234567890"}
	for _, in := range bad {
		if _, err := NormalizeMSISDN(in); err == nil {
			t.Errorf("NormalizeMSISDN(%q) accepted invalid input", in)
		}
	}
}

func TestMSISDNCountry(t *testing.T) {
	if cc := MSISDNCountry("254712345678"); cc != "KE" {
		t.Errorf("KE lookup = %q", cc)
	}
	if cc := MSISDNCountry("93123456789"); cc != "AF" {
		t.Errorf("AF lookup = %q", cc)
	}
	if cc := MSISDNCountry("11234567"); cc != "" {
		t.Errorf("unknown prefix = %q", cc)
	}
}

func TestValidMerchantCode(t *testing.T) {
	if !ValidMerchantCode("123456") || ValidMerchantCode("1234") || ValidMerchantCode("12345678") || ValidMerchantCode("12a456") {
		t.Error("merchant code validation wrong")
	}
}
