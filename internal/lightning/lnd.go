package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sokopesa/bridge/internal/backoff"
	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/errors"
	"github.com/sokopesa/bridge/internal/logger"
)

// keysendRecord is the custom record carrying the preimage in a keysend
// payment (BOLT convention).
const keysendRecord = 5482373484

// macaroonCredential attaches the hex-encoded macaroon as gRPC metadata on
// every call. Macaroons only travel over TLS.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// LNDNode implements Node over an lnd gRPC connection.
type LNDNode struct {
	conn     *grpc.ClientConn
	ln       lnrpc.LightningClient
	invoices invoicesrpc.InvoicesClient
	router   routerrpc.RouterClient
	cfg      config.LightningConfig
	breaker  *gobreaker.CircuitBreaker
}

// NewLNDNode dials lnd and verifies the connection with GetInfo.
func NewLNDNode(ctx context.Context, cfg config.LightningConfig) (*LNDNode, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("lightning: load tls cert %s: %w", cfg.TLSCertPath, err)
	}
	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("lightning: read macaroon %s: %w", cfg.MacaroonPath, err)
	}

	conn, err := grpc.NewClient(cfg.RPCEndpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential{macaroon: hex.EncodeToString(macBytes)}),
	)
	if err != nil {
		return nil, fmt.Errorf("lightning: dial %s: %w", cfg.RPCEndpoint, err)
	}

	node := &LNDNode{
		conn:     conn,
		ln:       lnrpc.NewLightningClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		cfg:      cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "lnd",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}

	infoCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout.Duration)
	defer cancel()
	info, err := node.ln.GetInfo(infoCtx, &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("lightning: getinfo: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("alias", info.Alias).
		Str("pubkey", logger.TruncateHash(info.IdentityPubkey)).
		Uint32("height", info.BlockHeight).
		Bool("synced", info.SyncedToChain).
		Msg("lightning.connected")
	if !info.SyncedToChain {
		log.Warn().Msg("lightning.not_synced")
	}
	return node, nil
}

// CreateInvoice mints an invoice, retrying transient RPC failures on the
// tight invoice policy. Exhaustion surfaces as invoice_creation_failed.
func (n *LNDNode) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	inv, err := backoff.Retry(ctx, backoff.Invoice(), "lightning.add_invoice",
		func(ctx context.Context) (*lnrpc.AddInvoiceResponse, error) {
			v, err := n.breaker.Execute(func() (interface{}, error) {
				rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout.Duration)
				defer cancel()
				return n.ln.AddInvoice(rpcCtx, &lnrpc.Invoice{
					Value:  req.AmountSats,
					Memo:   req.Memo,
					Expiry: int64(req.ExpiresIn / time.Second),
				})
			})
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, errors.Wrap(errors.ErrCodeLightningUnavailable, "circuit open", err)
			}
			if err != nil {
				return nil, err
			}
			return v.(*lnrpc.AddInvoiceResponse), nil
		})
	if err != nil {
		return Invoice{}, errors.Wrap(errors.ErrCodeInvoiceCreationFailed, "add invoice", err)
	}
	return Invoice{
		PaymentRequest: inv.PaymentRequest,
		PaymentHash:    hex.EncodeToString(inv.RHash),
	}, nil
}

func (n *LNDNode) CancelInvoice(ctx context.Context, paymentHash string) error {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("lightning: bad payment hash %q", logger.TruncateHash(paymentHash))
	}
	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout.Duration)
	defer cancel()
	_, err = n.invoices.CancelInvoice(rpcCtx, &invoicesrpc.CancelInvoiceMsg{PaymentHash: hash})
	if err != nil {
		return fmt.Errorf("lightning: cancel invoice: %w", err)
	}
	return nil
}

// SubscribeSettlements streams settled invoices with settle index greater
// than afterIndex. The returned channel closes on stream error or context
// cancellation; the consumer resubscribes from its last acknowledged index.
func (n *LNDNode) SubscribeSettlements(ctx context.Context, afterIndex uint64) (<-chan Settlement, error) {
	stream, err := n.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
		SettleIndex: afterIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("lightning: subscribe invoices: %w", err)
	}

	out := make(chan Settlement)
	go func() {
		defer close(out)
		log := logger.FromContext(ctx)
		for {
			inv, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("lightning.settlement_stream_broken")
				}
				return
			}
			s, ok := settlementFromInvoice(inv)
			if !ok {
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// settlementFromInvoice maps a settled lnd invoice onto a Settlement.
// Non-settled updates (open, accepted, cancelled) are dropped.
func settlementFromInvoice(inv *lnrpc.Invoice) (Settlement, bool) {
	if inv.State != lnrpc.Invoice_SETTLED {
		return Settlement{}, false
	}
	return Settlement{
		PaymentHash: hex.EncodeToString(inv.RHash),
		AmountSats:  inv.AmtPaidSat,
		SettledAt:   time.Unix(inv.SettleDate, 0).UTC(),
		SettleIndex: inv.SettleIndex,
	}, true
}

// Refund pushes sats back to the payer node via keysend: a fresh preimage
// travels in the keysend custom record and its hash is the payment hash.
func (n *LNDNode) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	dest, err := hex.DecodeString(req.DestPubkey)
	if err != nil || len(dest) != 33 {
		return RefundResult{}, fmt.Errorf("lightning: bad destination pubkey")
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return RefundResult{}, fmt.Errorf("lightning: preimage: %w", err)
	}
	hash := sha256.Sum256(preimage[:])

	timeout := n.cfg.RPCTimeout.Duration
	if timeout < 60*time.Second {
		timeout = 60 * time.Second
	}
	payCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := n.router.SendPaymentV2(payCtx, &routerrpc.SendPaymentRequest{
		Dest:              dest,
		Amt:               req.AmountSats,
		PaymentHash:       hash[:],
		FinalCltvDelta:    40,
		TimeoutSeconds:    int32(timeout / time.Second),
		FeeLimitSat:       n.cfg.RefundFeeSats,
		DestCustomRecords: map[uint64][]byte{keysendRecord: preimage[:]},
	})
	if err != nil {
		return RefundResult{}, fmt.Errorf("lightning: keysend: %w", err)
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return RefundResult{}, fmt.Errorf("lightning: keysend stream: %w", err)
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return RefundResult{
				PaymentHash: payment.PaymentHash,
				FeeSats:     payment.FeeSat,
			}, nil
		case lnrpc.Payment_FAILED:
			return RefundResult{}, fmt.Errorf("lightning: keysend failed: %s", payment.FailureReason)
		case lnrpc.Payment_IN_FLIGHT, lnrpc.Payment_INITIATED:
			continue
		default:
			return RefundResult{}, fmt.Errorf("lightning: unexpected payment status %s", payment.Status)
		}
	}
}

func (n *LNDNode) Healthy(ctx context.Context) error {
	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout.Duration)
	defer cancel()
	info, err := n.ln.GetInfo(rpcCtx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("lightning: getinfo: %w", err)
	}
	if !info.SyncedToChain {
		return fmt.Errorf("lightning: node not synced to chain")
	}
	return nil
}

func (n *LNDNode) Close() error {
	return n.conn.Close()
}
