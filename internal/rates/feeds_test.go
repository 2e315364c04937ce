package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCoinbasePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/prices/BTC-KES/spot" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"amount":"5123456.78","base":"BTC","currency":"KES"}}`))
	}))
	defer srv.Close()

	feed, err := NewFeed("coinbase", srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	price, err := feed.Price(context.Background(), "KES")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 5123456.78 {
		t.Errorf("price = %v", price)
	}
}

func TestCoingeckoPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"kes":5000000}}`))
	}))
	defer srv.Close()

	feed, _ := NewFeed("coingecko", srv.URL, srv.Client())
	price, err := feed.Price(context.Background(), "KES")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 5_000_000 {
		t.Errorf("price = %v", price)
	}
}

func TestBitstampPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/ticker/btckes/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"last":"4987654.32","ask":"4990000","bid":"4985000"}`))
	}))
	defer srv.Close()

	feed, _ := NewFeed("bitstamp", srv.URL, srv.Client())
	price, err := feed.Price(context.Background(), "KES")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 4987654.32 {
		t.Errorf("price = %v", price)
	}
}

func TestFeedRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"server error", `{}`, http.StatusBadGateway},
		{"zero price", `{"data":{"amount":"0"}}`, http.StatusOK},
		{"garbage amount", `{"data":{"amount":"n/a"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			feed, _ := NewFeed("coinbase", srv.URL, srv.Client())
			if _, err := feed.Price(context.Background(), "KES"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewFeedUnknownName(t *testing.T) {
	if _, err := NewFeed("kraken", "", nil); err == nil {
		t.Error("expected error for unknown feed")
	}
}
