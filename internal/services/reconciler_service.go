package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/platform/idempotency"
	"github.com/groundcycle/api/internal/repositories"
)

var (
	// ErrWebhookInvalidInput signals the delivery is missing required fields.
	ErrWebhookInvalidInput = errors.New("webhook: invalid input")
	// ErrWebhookInvalidSignature indicates the payload signature failed verification.
	ErrWebhookInvalidSignature = errors.New("webhook: invalid signature")
	// ErrWebhookOrderNotFound indicates the external reference does not resolve to an order.
	ErrWebhookOrderNotFound = errors.New("webhook: order not found")
	// ErrWebhookUnsupportedSource indicates an unknown webhook source.
	ErrWebhookUnsupportedSource = errors.New("webhook: unsupported source")
)

const orderRefPrefix = "ORDER-"

// orderExternalRef formats the reference embedded in gateway-facing payloads.
func orderExternalRef(orderID int64) string {
	return fmt.Sprintf("%s%d", orderRefPrefix, orderID)
}

// parseOrderExternalRef resolves an order id from an external reference,
// accepting both the prefixed form and a bare numeric id.
func parseOrderExternalRef(ref string) (int64, bool) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(strings.ToUpper(ref), orderRefPrefix); ok {
		ref = rest
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// WebhookSignatureVerifier checks a delivery's payload signature against the
// source's shared secret.
type WebhookSignatureVerifier interface {
	Verify(ctx context.Context, secretName string, payload []byte, signature string) error
}

// PayloadArchiver stores raw webhook payloads for later audit.
type PayloadArchiver interface {
	ArchiveWebhookPayload(ctx context.Context, source, externalRef string, payload []byte, receivedAt time.Time) (string, error)
}

// reconcileAction is one row of a per-source status lookup table.
type reconcileAction struct {
	target       domain.OrderStatus
	notification domain.NotificationType
	title        string
	message      string
}

// Payment gateway vocabulary. Statuses absent from the table are logged and
// ignored rather than rejected, because gateways add values over time.
var paymentStatusActions = map[string]reconcileAction{
	"paid":       {target: domain.OrderStatusPaid, notification: domain.NotificationTypePaymentConfirmed, title: "Payment received", message: "Payment for order #%d has been confirmed."},
	"settlement": {target: domain.OrderStatusPaid, notification: domain.NotificationTypePaymentConfirmed, title: "Payment received", message: "Payment for order #%d has been confirmed."},
	"capture":    {target: domain.OrderStatusPaid, notification: domain.NotificationTypePaymentConfirmed, title: "Payment received", message: "Payment for order #%d has been confirmed."},
	"expired":    {target: domain.OrderStatusCancelled, notification: domain.NotificationTypeOrderUpdate, title: "Order cancelled", message: "Payment for order #%d expired and the order was cancelled."},
	"failed":     {target: domain.OrderStatusCancelled, notification: domain.NotificationTypeOrderUpdate, title: "Order cancelled", message: "Payment for order #%d failed and the order was cancelled."},
	"deny":       {target: domain.OrderStatusCancelled, notification: domain.NotificationTypeOrderUpdate, title: "Order cancelled", message: "Payment for order #%d was declined and the order was cancelled."},
	"cancel":     {target: domain.OrderStatusCancelled, notification: domain.NotificationTypeOrderUpdate, title: "Order cancelled", message: "Payment for order #%d was cancelled."},
	"pending":    {},
	"authorize":  {},
}

// Carrier aggregator vocabulary. Early pickup stages map to packed, transit
// stages to shipped, and delivery to completed.
var shippingStatusActions = map[string]reconcileAction{
	"confirmed":    {target: domain.OrderStatusPacked, notification: domain.NotificationTypeOrderUpdate, title: "Order packed", message: "Order #%d has been packed and is awaiting pickup."},
	"allocated":    {target: domain.OrderStatusPacked, notification: domain.NotificationTypeOrderUpdate, title: "Order packed", message: "Order #%d has been packed and is awaiting pickup."},
	"picking_up":   {target: domain.OrderStatusPacked, notification: domain.NotificationTypeOrderUpdate, title: "Order packed", message: "Order #%d has been packed and is awaiting pickup."},
	"picked_up":    {target: domain.OrderStatusPacked, notification: domain.NotificationTypeOrderUpdate, title: "Order packed", message: "Order #%d has been packed and is awaiting pickup."},
	"picked":       {target: domain.OrderStatusShipped, notification: domain.NotificationTypeShipmentReady, title: "Order shipped", message: "Order #%d is on its way."},
	"in_transit":   {target: domain.OrderStatusShipped, notification: domain.NotificationTypeShipmentReady, title: "Order shipped", message: "Order #%d is on its way."},
	"dropping_off": {target: domain.OrderStatusShipped, notification: domain.NotificationTypeShipmentReady, title: "Order shipped", message: "Order #%d is on its way."},
	"delivered":    {target: domain.OrderStatusCompleted, notification: domain.NotificationTypeOrderUpdate, title: "Order delivered", message: "Order #%d has been delivered. Thank you!"},
	"cancelled":    {target: domain.OrderStatusCancelled, notification: domain.NotificationTypeOrderUpdate, title: "Order cancelled", message: "Shipment for order #%d was cancelled."},
	"returned":     {target: domain.OrderStatusCancelled, notification: domain.NotificationTypeOrderUpdate, title: "Order cancelled", message: "Shipment for order #%d was returned to sender."},
	"courier_not_found": {},
}

// WebhookReconcilerDeps bundles collaborators required to construct the reconciler.
type WebhookReconcilerDeps struct {
	Idempotency   idempotency.Store
	Orders        repositories.OrderRepository
	OrderFlow     OrderService
	Notifications NotificationService
	Verifier      WebhookSignatureVerifier
	Archiver      PayloadArchiver
	// SecretNames maps each source to the secret used for signature checks.
	SecretNames map[domain.WebhookSource]string
	EventTTL    time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type webhookReconciler struct {
	idempotency   idempotency.Store
	orders        repositories.OrderRepository
	orderFlow     OrderService
	notifications NotificationService
	verifier      WebhookSignatureVerifier
	archiver      PayloadArchiver
	secretNames   map[domain.WebhookSource]string
	eventTTL      time.Duration
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewWebhookReconciler wires dependencies into a concrete WebhookReconciler implementation.
func NewWebhookReconciler(deps WebhookReconcilerDeps) (WebhookReconciler, error) {
	if deps.Idempotency == nil {
		return nil, errors.New("webhook reconciler: idempotency store is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook reconciler: order repository is required")
	}
	if deps.OrderFlow == nil {
		return nil, errors.New("webhook reconciler: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.EventTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}

	return &webhookReconciler{
		idempotency:   deps.Idempotency,
		orders:        deps.Orders,
		orderFlow:     deps.OrderFlow,
		notifications: deps.Notifications,
		verifier:      deps.Verifier,
		archiver:      deps.Archiver,
		secretNames:   deps.SecretNames,
		eventTTL:      ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Handle processes one gateway delivery. The idempotency record is written
// before any effect, so a crash mid-processing loses at most one update and
// never applies one twice. Duplicate deliveries return success untouched.
func (r *webhookReconciler) Handle(ctx context.Context, cmd WebhookCommand) error {
	source := domain.WebhookSource(strings.ToLower(strings.TrimSpace(string(cmd.Source))))
	reported := strings.ToLower(strings.TrimSpace(cmd.ReportedStatus))
	ref := strings.TrimSpace(cmd.ExternalRef)

	if ref == "" || reported == "" {
		return fmt.Errorf("%w: external reference and status are required", ErrWebhookInvalidInput)
	}
	actions, ok := statusActionsFor(source)
	if !ok {
		return fmt.Errorf("%w: %q", ErrWebhookUnsupportedSource, cmd.Source)
	}

	now := r.clock()
	first, err := r.idempotency.MarkProcessed(ctx, idempotency.Key{
		Source:      string(source),
		ExternalRef: ref,
		Status:      reported,
	}, now, r.eventTTL)
	if err != nil {
		return fmt.Errorf("webhook: record delivery: %w", err)
	}
	if !first {
		r.logger(ctx, "webhook.duplicate", map[string]any{
			"source": string(source),
			"ref":    ref,
			"status": reported,
		})
		return nil
	}

	if err := r.verifySignature(ctx, source, cmd); err != nil {
		return err
	}

	orderID, ok := parseOrderExternalRef(ref)
	if !ok {
		orderID, ok = orderIDFromPayload(cmd.RawPayload)
	}
	if !ok {
		return fmt.Errorf("%w: reference %q", ErrWebhookOrderNotFound, ref)
	}

	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return fmt.Errorf("%w: order %d", ErrWebhookOrderNotFound, orderID)
		}
		return fmt.Errorf("webhook: load order: %w", err)
	}

	r.archivePayload(ctx, source, ref, cmd.RawPayload, now)

	action, ok := actions[reported]
	if !ok {
		r.logger(ctx, "webhook.status.unknown", map[string]any{
			"source":  string(source),
			"orderId": orderID,
			"status":  reported,
		})
		return nil
	}
	if action.target == "" {
		r.logger(ctx, "webhook.status.informational", map[string]any{
			"source":  string(source),
			"orderId": orderID,
			"status":  reported,
		})
		return nil
	}

	metadata := transitionMetadata(source, reported, cmd.RawPayload)

	applied, finalOrder, err := r.applyTarget(ctx, order, action.target, source, reported, metadata)
	if err != nil {
		return err
	}
	if !applied {
		// Stale or reordered delivery. External systems redeliver and
		// reorder freely, so this is a log line rather than an error.
		r.logger(ctx, "webhook.transition.skipped", map[string]any{
			"source":  string(source),
			"orderId": order.ID,
			"current": string(order.Status),
			"target":  string(action.target),
			"status":  reported,
		})
		return nil
	}

	if action.notification != "" {
		r.notify(ctx, CreateNotificationCommand{
			UserID:  finalOrder.UserID,
			Type:    action.notification,
			Title:   action.title,
			Message: fmt.Sprintf(action.message, finalOrder.ID),
			OrderID: finalOrder.ID,
		})
	}

	return nil
}

// applyTarget walks the order toward the mapped target one legal transition
// at a time, so a delivery that arrives ahead of earlier ones (a "delivered"
// before the "picked" was seen) still lands on the right final state.
func (r *webhookReconciler) applyTarget(ctx context.Context, order domain.Order, target domain.OrderStatus, source domain.WebhookSource, reported string, metadata map[string]any) (bool, domain.Order, error) {
	if target == domain.OrderStatusCancelled {
		if !canTransition(order.Status, domain.OrderStatusCancelled) {
			return false, order, nil
		}
		updated, err := r.orderFlow.TransitionStatus(ctx, OrderStatusTransitionCommand{
			OrderID:      order.ID,
			TargetStatus: domain.OrderStatusCancelled,
			ActorID:      "webhook:" + string(source),
			Reason:       reported,
			Metadata:     metadata,
		})
		if err != nil {
			return false, order, fmt.Errorf("webhook: apply transition: %w", err)
		}
		return true, updated, nil
	}

	if !CanAdvanceTo(order.Status, target) {
		return false, order, nil
	}

	current := order
	for current.Status != target {
		next, ok := NextStatusToward(current.Status, target)
		if !ok {
			return false, order, nil
		}
		updated, err := r.orderFlow.TransitionStatus(ctx, OrderStatusTransitionCommand{
			OrderID:      current.ID,
			TargetStatus: next,
			ActorID:      "webhook:" + string(source),
			Reason:       reported,
			Metadata:     metadata,
		})
		if err != nil {
			return false, order, fmt.Errorf("webhook: apply transition: %w", err)
		}
		current = updated
	}
	return true, current, nil
}

func (r *webhookReconciler) verifySignature(ctx context.Context, source domain.WebhookSource, cmd WebhookCommand) error {
	if r.verifier == nil {
		return nil
	}
	signature := strings.TrimSpace(cmd.Signature)
	if signature == "" {
		// Best effort: some sources do not sign. Proceed, but leave a trace.
		r.logger(ctx, "webhook.signature.absent", map[string]any{
			"source": string(source),
			"ref":    cmd.ExternalRef,
		})
		return nil
	}
	secretName := r.secretNames[source]
	if secretName == "" {
		secretName = string(source)
	}
	if err := r.verifier.Verify(ctx, secretName, cmd.RawPayload, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookInvalidSignature, err)
	}
	return nil
}

func (r *webhookReconciler) archivePayload(ctx context.Context, source domain.WebhookSource, ref string, payload []byte, now time.Time) {
	if r.archiver == nil || len(payload) == 0 {
		return
	}
	if _, err := r.archiver.ArchiveWebhookPayload(ctx, string(source), ref, payload, now); err != nil {
		r.logger(ctx, "webhook.archive.failed", map[string]any{
			"source": string(source),
			"ref":    ref,
			"error":  err.Error(),
		})
	}
}

func (r *webhookReconciler) notify(ctx context.Context, cmd CreateNotificationCommand) {
	if r.notifications == nil {
		return
	}
	if _, err := r.notifications.Create(ctx, cmd); err != nil {
		r.logger(ctx, "webhook.notification.failed", map[string]any{
			"orderId": cmd.OrderID,
			"error":   err.Error(),
		})
	}
}

func statusActionsFor(source domain.WebhookSource) (map[string]reconcileAction, bool) {
	switch source {
	case domain.WebhookSourcePayment:
		return paymentStatusActions, true
	case domain.WebhookSourceShipping:
		return shippingStatusActions, true
	default:
		return nil, false
	}
}

// orderIDFromPayload falls back to explicit metadata fields when the
// reference string itself does not embed the order id.
func orderIDFromPayload(payload []byte) (int64, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, false
	}
	for _, key := range []string{"order_id", "reference_id", "external_id"} {
		switch value := doc[key].(type) {
		case string:
			if id, ok := parseOrderExternalRef(value); ok {
				return id, true
			}
		case float64:
			if value > 0 {
				return int64(value), true
			}
		}
	}
	return 0, false
}

// transitionMetadata pulls carrier and payment references out of the raw
// payload so they end up on the order document.
func transitionMetadata(source domain.WebhookSource, reported string, payload []byte) map[string]any {
	metadata := map[string]any{}
	if source == domain.WebhookSourcePayment {
		metadata["paymentStatus"] = reported
	}
	if len(payload) == 0 {
		return metadata
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return metadata
	}
	for payloadKey, metaKey := range map[string]string{
		"waybill_id":         "trackingNumber",
		"courier_waybill_id": "trackingNumber",
		"tracking_number":    "trackingNumber",
		"shipment_id":        "shipmentId",
	} {
		if value, ok := doc[payloadKey].(string); ok && value != "" {
			metadata[metaKey] = value
		}
	}
	return metadata
}
