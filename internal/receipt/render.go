package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/skip2/go-qrcode"

	"github.com/sokopesa/bridge/internal/store"
)

// receiptTemplate renders a stored payload. Everything comes from the
// payload, never from the live transaction, so renders never drift.
var receiptTemplate = template.Must(template.New("receipt").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Receipt {{.ReceiptID}}</title></head>
<body>
<h1>Payment Receipt</h1>
<table>
<tr><td>Receipt</td><td>{{.ReceiptID}}</td></tr>
<tr><td>Flow</td><td>{{.Flow}}</td></tr>
<tr><td>Recipient</td><td>{{.Recipient}}</td></tr>
{{if .MerchantCode}}<tr><td>Merchant</td><td>{{.MerchantCode}}</td></tr>{{end}}
<tr><td>Amount</td><td>{{.KESAmount}}</td></tr>
<tr><td>Fee</td><td>{{.FeeKES}}</td></tr>
<tr><td>Total</td><td>{{.TotalKES}}</td></tr>
<tr><td>Paid</td><td>{{.BTCAmount}} sats @ {{printf "%.2f" .Rate}} KES/BTC</td></tr>
<tr><td>M-Pesa Receipt</td><td>{{.MpesaReceipt}}</td></tr>
<tr><td>Payment Hash</td><td>{{.PaymentHash}}</td></tr>
<tr><td>Completed</td><td>{{.CompletedAt.Format "2006-01-02 15:04:05 UTC"}}</td></tr>
</table>
</body>
</html>
`))

// RenderHTML produces the deterministic HTML view of a stored receipt.
func RenderHTML(r store.Receipt) ([]byte, error) {
	var p Payload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return nil, fmt.Errorf("receipt: decode payload: %w", err)
	}
	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("receipt: render: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderQR produces the verification QR as a PNG.
func RenderQR(r store.Receipt) ([]byte, error) {
	png, err := qrcode.Encode(r.QRPayload, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("receipt: qr encode: %w", err)
	}
	return png, nil
}
