// Package gateway abstracts the outbound delivery channels. The engine
// treats every method identically behind the Gateway contract;
// channel-specific behavior stays inside each implementation.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Message is a rendered notification ready for delivery
type Message struct {
	NotificationID string
	Subject        string
	Body           string
	Priority       string
	Recipient      string // channel-specific address: email, E.164 number, postal address, URL
}

// Result is the outcome of one delivery attempt. Transient failures are
// retryable; permanent ones are not.
type Result struct {
	Success     bool
	DeliveredAt *time.Time
	TrackingID  string
	Transient   bool
	Err         error
}

// Gateway delivers messages over one channel
type Gateway interface {
	Method() string
	Deliver(ctx context.Context, msg *Message) *Result
}

// Registry holds the configured gateways keyed by delivery method
type Registry struct {
	gateways map[string]Gateway
	logger   *slog.Logger
}

// NewRegistry creates a gateway registry
func NewRegistry(logger *slog.Logger, gateways ...Gateway) *Registry {
	reg := &Registry{
		gateways: make(map[string]Gateway, len(gateways)),
		logger:   logger,
	}
	for _, gw := range gateways {
		reg.gateways[gw.Method()] = gw
	}
	return reg
}

// Get returns the gateway for a delivery method
func (r *Registry) Get(method string) (Gateway, error) {
	gw, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for delivery method %s", method)
	}
	return gw, nil
}

// Methods lists the configured delivery methods
func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		methods = append(methods, m)
	}
	return methods
}

// failure builds a Result for a failed attempt
func failure(err error, transient bool) *Result {
	return &Result{Success: false, Err: err, Transient: transient}
}

// success builds a Result for a completed delivery
func success(trackingID string, deliveredAt *time.Time) *Result {
	return &Result{Success: true, TrackingID: trackingID, DeliveredAt: deliveredAt}
}
