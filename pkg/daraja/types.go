// Package daraja holds the wire types for Safaricom's Daraja API: OAuth,
// STK-Push, B2C, transaction status, and their asynchronous callbacks.
// Pure data, importable by external consumers that need to parse callbacks.
package daraja

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// TokenResponse is the OAuth client-credentials grant response. ExpiresIn
// arrives as a string ("3599").
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// TransactionType values for STK-Push.
const (
	TypePayBillOnline  = "CustomerPayBillOnline"
	TypeBuyGoodsOnline = "CustomerBuyGoodsOnline"
)

// CommandID values for B2C.
const (
	CommandBusinessPayment = "BusinessPayment"
)

// STKPushRequest initiates a customer-side payment prompt.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgement of an STK dispatch.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// B2CRequest pays out from the business float to an MSISDN.
type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             string `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// B2CResponse is the synchronous acknowledgement of a B2C dispatch.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// STKCallback is the asynchronous result of an STK-Push, delivered to the
// registered callback URL wrapped in Body.stkCallback.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        int         `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *STKItems   `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// STKItems is the metadata item list present on successful callbacks.
type STKItems struct {
	Item []STKItem `json:"Item"`
}

type STKItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// Receipt extracts the MpesaReceiptNumber item, empty when absent.
func (c *STKCallback) Receipt() string {
	if c.Body.StkCallback.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// B2CResult is the asynchronous result of a B2C payment.
type B2CResult struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []B2CParameter `json:"ResultParameter"`
		} `json:"ResultParameters"`
		ReferenceData struct {
			ReferenceItem struct {
				Key   string      `json:"Key"`
				Value interface{} `json:"Value"`
			} `json:"ReferenceItem"`
		} `json:"ReferenceData"`
	} `json:"Result"`
}

type B2CParameter struct {
	Key   string      `json:"Key"`
	Value interface{} `json:"Value"`
}

// Receipt returns the TransactionID, the receipt number for B2C payouts.
func (r *B2CResult) Receipt() string {
	return r.Result.TransactionID
}

// Occasion returns the Occasion value echoed through ReferenceData, empty
// when absent.
func (r *B2CResult) Occasion() string {
	ri := r.Result.ReferenceData.ReferenceItem
	if ri.Key == "Occasion" {
		if s, ok := ri.Value.(string); ok {
			return s
		}
	}
	return ""
}

// StatusRequest queries the state of a past transaction, used when a
// callback never arrives.
type StatusRequest struct {
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"` // "TransactionStatusQuery"
	TransactionID            string `json:"TransactionID"`
	OriginatorConversationID string `json:"OriginatorConversationID,omitempty"`
	PartyA                   string `json:"PartyA"`
	IdentifierType           string `json:"IdentifierType"`
	ResultURL                string `json:"ResultURL"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	Remarks                  string `json:"Remarks"`
	Occasion                 string `json:"Occasion"`
}

// CallbackAck is the body both callback endpoints return to Daraja.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Well-known Daraja result codes.
const (
	ResultSuccess                = 0
	ResultInsufficientBalance    = 1
	ResultCancelledByUser        = 1032
	ResultTimeout                = 1037
	ResultInvalidInitiator       = 2001
	ResultUnableToLockSubscriber = 1001
)

// Terminal reports whether a non-zero result code is final for the dispatch,
// as opposed to a transient condition worth re-querying.
func Terminal(resultCode int) bool {
	switch resultCode {
	case ResultSuccess, ResultInsufficientBalance, ResultCancelledByUser, ResultInvalidInitiator:
		return true
	case ResultTimeout, ResultUnableToLockSubscriber:
		return false
	default:
		return true
	}
}

// STKPassword derives the STK-Push password: base64(shortcode+passkey+timestamp).
func STKPassword(shortcode, passkey string, at time.Time) (password, timestamp string) {
	timestamp = at.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
	return password, timestamp
}

// ParseSTKCallback decodes and minimally validates an STK callback body.
func ParseSTKCallback(body []byte) (*STKCallback, error) {
	var cb STKCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("daraja: parse stk callback: %w", err)
	}
	if cb.Body.StkCallback.CheckoutRequestID == "" {
		return nil, fmt.Errorf("daraja: stk callback missing CheckoutRequestID")
	}
	return &cb, nil
}

// ParseB2CResult decodes and minimally validates a B2C result body.
func ParseB2CResult(body []byte) (*B2CResult, error) {
	var res B2CResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("daraja: parse b2c result: %w", err)
	}
	if res.Result.ConversationID == "" && res.Result.OriginatorConversationID == "" {
		return nil, fmt.Errorf("daraja: b2c result missing conversation id")
	}
	return &res, nil
}
