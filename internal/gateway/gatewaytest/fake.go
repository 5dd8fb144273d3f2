// Package gatewaytest provides an in-memory payment gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/javajoker/accredit-backend/internal/gateway"
)

// Gateway records every call and lets tests script charge states and
// failures per operation.
type Gateway struct {
	mu        sync.Mutex
	seq       int
	charges   map[string]*gateway.Charge
	transfers map[string]*gateway.TransferResult
	refunded  map[string]bool

	// Errors returned by the next call of the named operation, then cleared.
	Fail map[string]error
	// Events returned by ParseWebhook keyed by signature; any other
	// signature is rejected.
	Events map[string]*gateway.Event
	// Status given to charges after ConfirmCharge.
	ConfirmStatus gateway.ChargeStatus

	SplitCalls    []gateway.SplitChargeRequest
	ChargeCalls   []gateway.ChargeRequest
	TransferCalls []gateway.TransferRequest
	RefundCalls   []string
}

func New() *Gateway {
	return &Gateway{
		charges:       make(map[string]*gateway.Charge),
		transfers:     make(map[string]*gateway.TransferResult),
		refunded:      make(map[string]bool),
		Fail:          make(map[string]error),
		Events:        make(map[string]*gateway.Event),
		ConfirmStatus: gateway.ChargeStatusSucceeded,
	}
}

// PutCharge stores a charge as if the client had created or confirmed it.
func (g *Gateway) PutCharge(c *gateway.Charge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *c
	if cp.Metadata == nil {
		cp.Metadata = map[string]string{}
	}
	g.charges[c.ID] = &cp
}

// SetStatus moves a stored charge to a new state.
func (g *Gateway) SetStatus(ref string, status gateway.ChargeStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.charges[ref]; ok {
		c.Status = status
	}
}

func (g *Gateway) Charge(ref string) *gateway.Charge {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.charges[ref]; ok {
		cp := *c
		return &cp
	}
	return nil
}

func (g *Gateway) TransferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}

func (g *Gateway) takeFailure(op string) error {
	if err, ok := g.Fail[op]; ok {
		delete(g.Fail, op)
		return err
	}
	return nil
}

func (g *Gateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ChargeCalls = append(g.ChargeCalls, req)
	if err := g.takeFailure("create_charge"); err != nil {
		return nil, err
	}
	g.seq++
	c := &gateway.Charge{
		ID:           fmt.Sprintf("pi_test_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_test_%d_secret", g.seq),
		Status:       gateway.ChargeStatusRequiresPaymentMethod,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Metadata:     copyMap(req.Metadata),
	}
	g.charges[c.ID] = c
	cp := *c
	return &cp, nil
}

func (g *Gateway) CreateSplitCharge(ctx context.Context, req gateway.SplitChargeRequest) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SplitCalls = append(g.SplitCalls, req)
	if err := gateway.ValidateSplit(req); err != nil {
		return nil, err
	}
	if err := g.takeFailure("create_split_charge"); err != nil {
		return nil, err
	}
	g.seq++
	c := &gateway.Charge{
		ID:             fmt.Sprintf("pi_split_%d", g.seq),
		ClientSecret:   fmt.Sprintf("pi_split_%d_secret", g.seq),
		Status:         gateway.ChargeStatusRequiresPaymentMethod,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Metadata:       copyMap(req.Metadata),
		Destination:    req.Destination,
		ApplicationFee: req.Commission,
	}
	g.charges[c.ID] = c
	cp := *c
	return &cp, nil
}

func (g *Gateway) RetrieveCharge(ctx context.Context, ref string) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("retrieve_charge"); err != nil {
		return nil, err
	}
	c, ok := g.charges[ref]
	if !ok {
		return nil, gateway.NewError(gateway.ReasonInvalidRequest, "no such charge: "+ref)
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) AttachPaymentMethod(ctx context.Context, ref, paymentMethodID string) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("attach_payment_method"); err != nil {
		return nil, err
	}
	c, ok := g.charges[ref]
	if !ok {
		return nil, gateway.NewError(gateway.ReasonInvalidRequest, "no such charge: "+ref)
	}
	c.PaymentMethodID = paymentMethodID
	c.Status = gateway.ChargeStatusRequiresConfirmation
	cp := *c
	return &cp, nil
}

func (g *Gateway) ConfirmCharge(ctx context.Context, ref string) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("confirm_charge"); err != nil {
		return nil, err
	}
	c, ok := g.charges[ref]
	if !ok {
		return nil, gateway.NewError(gateway.ReasonInvalidRequest, "no such charge: "+ref)
	}
	c.Status = g.ConfirmStatus
	cp := *c
	return &cp, nil
}

func (g *Gateway) VerifyCharge(ctx context.Context, ref string, expectedAmount int64, expectedMetadata map[string]string) (*gateway.Charge, error) {
	c, err := g.RetrieveCharge(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := gateway.CheckCharge(c, expectedAmount, expectedMetadata); err != nil {
		return c, err
	}
	return c, nil
}

// CreateTransfer honours idempotency keys the way the processor does: a
// repeated key returns the original transfer.
func (g *Gateway) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.TransferCalls = append(g.TransferCalls, req)
	if err := g.takeFailure("create_transfer"); err != nil {
		return nil, err
	}
	if tr, ok := g.transfers[req.IdempotencyKey]; ok {
		return tr, nil
	}
	g.seq++
	tr := &gateway.TransferResult{ID: fmt.Sprintf("tr_test_%d", g.seq)}
	g.transfers[req.IdempotencyKey] = tr
	return tr, nil
}

func (g *Gateway) Refund(ctx context.Context, ref string, amount int64, reason string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundCalls = append(g.RefundCalls, ref)
	if err := g.takeFailure("refund"); err != nil {
		return "", err
	}
	if g.refunded[ref] {
		return "", nil
	}
	g.refunded[ref] = true
	g.seq++
	return fmt.Sprintf("re_test_%d", g.seq), nil
}

// Refunded reports whether ref has been refunded.
func (g *Gateway) Refunded(ref string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[ref]
}

func (g *Gateway) ParseWebhook(payload []byte, signature string) (*gateway.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.Events[signature]
	if !ok {
		return nil, gateway.NewError(gateway.ReasonInvalidSignature, "webhook signature verification failed")
	}
	cp := *ev
	return &cp, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
