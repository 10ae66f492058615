package payment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// testOrderCode is the order code PayOS uses when a webhook URL is registered.
const testOrderCode = 123

const maxWebhookBody = 1 << 20

// ReceiptSender emails a paid invoice to its patient.
type ReceiptSender interface {
	Send(ctx context.Context, invoiceID uint) error
}

type PaymentHandler struct {
	db       *gorm.DB
	service  *appointment.Service
	gateway  Gateway
	receipts ReceiptSender
	log      *logrus.Entry
}

func NewPaymentHandler(db *gorm.DB, service *appointment.Service, gateway Gateway, receipts ReceiptSender, log *logrus.Entry) *PaymentHandler {
	return &PaymentHandler{db: db, service: service, gateway: gateway, receipts: receipts, log: log}
}

// RegisterPublicRoutes registers the gateway callbacks, which carry no bearer token.
func (h *PaymentHandler) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/payments/payos/webhook", h.Webhook).Methods("POST")
	router.HandleFunc("/payments/payos/return", h.Return).Methods("GET")
	router.HandleFunc("/payments/payos/cancel", h.Cancel).Methods("GET")
}

func (h *PaymentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments", h.ListPayments).Methods("GET")
	router.HandleFunc("/invoices/{id}/checkout", h.Checkout).Methods("POST")
	router.HandleFunc("/invoices/{id}/checkout/cancel", h.CancelCheckout).Methods("POST")

	admin := router.PathPrefix("/admin/invoices").Subrouter()
	admin.Use(utils.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/{id}/capture", h.CaptureInvoice).Methods("POST")
}

// Webhook applies a PayOS payment notification. Anything that cannot
// succeed on retry is acknowledged with 200 so PayOS stops resending it.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		utils.RespondError(w, apperr.Validation("Could not read request body"))
		return
	}

	hook, err := h.gateway.VerifyWebhook(body)
	if err != nil {
		h.log.WithError(err).Warn("Rejected PayOS webhook")
		utils.RespondError(w, apperr.Validation("Invalid webhook signature"))
		return
	}

	log := h.log.WithField("order_code", hook.Data.OrderCode)
	if hook.Data.OrderCode == testOrderCode || !hook.Paid() {
		log.WithField("code", hook.Data.Code).Info("PayOS webhook ignored")
		utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	capture := appointment.Capture{
		OrderCode: hook.Data.OrderCode,
		Amount:    hook.Data.Amount,
		Method:    models.MethodPayOS,
		Reference: hook.Data.Reference,
		Raw:       string(body),
	}
	settlement, err := h.service.ConfirmPayment(r.Context(), capture)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindValidation), apperr.Is(err, apperr.KindConflict):
		log.WithError(err).Warn("PayOS payment not applied, refunding")
		if rerr := h.service.RefundUnapplied(r.Context(), capture, err.Error()); rerr != nil && !apperr.Is(rerr, apperr.KindValidation) {
			log.WithError(rerr).Error("Could not record unapplied PayOS payment")
			utils.RespondError(w, rerr)
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	case apperr.Is(err, apperr.KindNotFound):
		log.WithError(err).Warn("PayOS payment not applied")
		utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	default:
		log.WithError(err).Error("PayOS payment failed")
		utils.RespondError(w, err)
		return
	}

	log.WithField("outcome", settlement.Outcome).Info("PayOS payment processed")
	if settlement.Outcome == appointment.OutcomeCaptured {
		h.sendReceipt(settlement.Invoice.ID)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *PaymentHandler) sendReceipt(invoiceID uint) {
	if h.receipts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.receipts.Send(ctx, invoiceID); err != nil {
			h.log.WithError(err).WithField("invoice_id", invoiceID).Warn("Receipt email failed")
		}
	}()
}

func orderCodeParam(r *http.Request) (int64, error) {
	code, err := strconv.ParseInt(r.URL.Query().Get("orderCode"), 10, 64)
	if err != nil || code <= 0 {
		return 0, apperr.Validation("Invalid orderCode")
	}
	return code, nil
}

// Return is where PayOS sends the buyer after checkout. The link status is
// read back from PayOS so a missed webhook still confirms the payment.
func (h *PaymentHandler) Return(w http.ResponseWriter, r *http.Request) {
	code, err := orderCodeParam(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	link, err := h.gateway.GetLink(r.Context(), code)
	if err != nil {
		utils.RespondError(w, apperr.External("Could not read payment status", err))
		return
	}

	resp := map[string]interface{}{"order_code": code, "status": link.Status}
	if link.Status == LinkPaid {
		settlement, err := h.service.ConfirmPayment(r.Context(), appointment.Capture{
			OrderCode: code,
			Amount:    link.AmountPaid,
			Method:    models.MethodPayOS,
			Reference: link.ID,
		})
		if err != nil {
			utils.RespondError(w, err)
			return
		}
		if settlement.Outcome == appointment.OutcomeCaptured {
			h.sendReceipt(settlement.Invoice.ID)
		}
		resp["outcome"] = settlement.Outcome
		resp["appointment_id"] = settlement.Appointment.ID
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// Cancel is where PayOS sends the buyer who abandons checkout. The callback
// is unauthenticated, so it is only applied when PayOS confirms the link is
// cancelled.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	code, err := orderCodeParam(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	link, err := h.gateway.GetLink(r.Context(), code)
	if err != nil {
		utils.RespondError(w, apperr.External("Could not read payment status", err))
		return
	}
	if link.Status != LinkCancelled {
		utils.RespondError(w, apperr.Conflict("Payment link is %s", link.Status))
		return
	}

	appt, err := h.service.CancelPaymentLink(r.Context(), code, "payment link cancelled")
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"order_code":     code,
		"status":         link.Status,
		"appointment_id": appt.ID,
	})
}

// Checkout opens (or reuses) a PayOS link for an invoice.
func (h *PaymentHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	inv, err := h.service.Checkout(r.Context(), actor, id, h.createLink)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"invoice_id":   inv.ID,
		"order_code":   inv.OrderCode,
		"amount":       inv.AmountDue,
		"checkout_url": inv.CheckoutURL,
		"due_date":     inv.DueDate,
	})
}

func (h *PaymentHandler) createLink(ctx context.Context, inv *models.Invoice, orderCode int64) (appointment.PaymentLink, error) {
	req := LinkRequest{
		OrderCode:   orderCode,
		Amount:      inv.AmountDue,
		Description: fmt.Sprintf("MB%d", orderCode),
	}
	for _, item := range inv.Items {
		req.Items = append(req.Items, Item{Name: item.Description, Quantity: item.Quantity, Price: item.UnitPrice})
	}
	if inv.Type == models.InvoiceConsultation {
		req.ExpiredAt = inv.DueDate.Unix()
	}

	data, err := h.gateway.CreateLink(ctx, req)
	if err != nil {
		return appointment.PaymentLink{}, apperr.External("Could not create payment link", err)
	}
	return appointment.PaymentLink{ID: data.PaymentLinkID, CheckoutURL: data.CheckoutURL}, nil
}

// CancelCheckout lets the patient abandon a checkout from the app.
func (h *PaymentHandler) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	var inv models.Invoice
	if err := h.db.First(&inv, id).Error; err != nil {
		utils.RespondError(w, apperr.NotFound("Invoice not found"))
		return
	}
	if actor.Role != models.RoleAdmin && inv.PatientID != actor.ID {
		utils.RespondError(w, apperr.Forbidden("You do not have access to this invoice"))
		return
	}
	if inv.OrderCode == nil {
		utils.RespondError(w, apperr.Conflict("Invoice has no open payment link"))
		return
	}

	code := *inv.OrderCode
	if err := h.gateway.CancelLink(r.Context(), code, "cancelled by patient"); err != nil {
		utils.RespondError(w, apperr.External("Could not cancel payment link", err))
		return
	}
	appt, err := h.service.CancelPaymentLink(r.Context(), code, "cancelled by patient")
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, appt)
}

// CaptureInvoice records a payment taken at the front desk.
func (h *PaymentHandler) CaptureInvoice(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req struct {
		Method    string `json:"method" validate:"required,oneof=cash manual"`
		Reference string `json:"reference" validate:"max=100"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	settlement, err := h.service.CaptureInvoice(r.Context(), actor, id, req.Method, req.Reference)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if settlement.Outcome == appointment.OutcomeCaptured {
		h.sendReceipt(settlement.Invoice.ID)
	}
	utils.RespondJSON(w, http.StatusOK, settlement)
}
