package daraja

import (
	"testing"
	"time"
)

const successSTKBody = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1025.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const failedSTKBody = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user."
    }
  }
}`

func TestParseSTKCallbackSuccess(t *testing.T) {
	cb, err := ParseSTKCallback([]byte(successSTKBody))
	if err != nil {
		t.Fatalf("ParseSTKCallback: %v", err)
	}
	if cb.Body.StkCallback.ResultCode != 0 {
		t.Errorf("result code = %d", cb.Body.StkCallback.ResultCode)
	}
	if got := cb.Receipt(); got != "NLJ7RT61SV" {
		t.Errorf("receipt = %q", got)
	}
}

func TestParseSTKCallbackFailure(t *testing.T) {
	cb, err := ParseSTKCallback([]byte(failedSTKBody))
	if err != nil {
		t.Fatalf("ParseSTKCallback: %v", err)
	}
	if cb.Body.StkCallback.ResultCode != ResultCancelledByUser {
		t.Errorf("result code = %d", cb.Body.StkCallback.ResultCode)
	}
	if cb.Receipt() != "" {
		t.Error("failed callback should have no receipt")
	}
}

func TestParseSTKCallbackMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"Body":{"stkCallback":{}}}`} {
		if _, err := ParseSTKCallback([]byte(body)); err == nil {
			t.Errorf("body %q accepted", body)
		}
	}
}

func TestParseB2CResult(t *testing.T) {
	body := `{
	  "Result": {
	    "ResultType": 0,
	    "ResultCode": 0,
	    "ResultDesc": "The service request is processed successfully.",
	    "OriginatorConversationID": "10571-7910404-1",
	    "ConversationID": "AG_20191219_00004e48cf7e3533f581",
	    "TransactionID": "NLJ41HAY6Q",
	    "ResultParameters": {
	      "ResultParameter": [
	        {"Key": "TransactionAmount", "Value": 1000},
	        {"Key": "TransactionReceipt", "Value": "NLJ41HAY6Q"}
	      ]
	    }
	  }
	}`
	res, err := ParseB2CResult([]byte(body))
	if err != nil {
		t.Fatalf("ParseB2CResult: %v", err)
	}
	if res.Receipt() != "NLJ41HAY6Q" {
		t.Errorf("receipt = %q", res.Receipt())
	}
	if res.Result.ResultCode != 0 {
		t.Errorf("result code = %d", res.Result.ResultCode)
	}
}

func TestSTKPassword(t *testing.T) {
	at := time.Date(2026, 8, 26, 14, 30, 5, 0, time.UTC)
	password, timestamp := STKPassword("174379", "passkey", at)
	if timestamp != "20260826143005" {
		t.Errorf("timestamp = %s", timestamp)
	}
	// base64("174379" + "passkey" + timestamp)
	if password != "MTc0Mzc5cGFzc2tleTIwMjYwODI2MTQzMDA1" {
		t.Errorf("password = %s", password)
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{ResultSuccess, true},
		{ResultInsufficientBalance, true},
		{ResultCancelledByUser, true},
		{ResultTimeout, false},
		{ResultUnableToLockSubscriber, false},
		{9999, true},
	}
	for _, tt := range tests {
		if got := Terminal(tt.code); got != tt.want {
			t.Errorf("Terminal(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
