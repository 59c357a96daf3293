// Package httpapi exposes the checkout REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/bigkatzo/storefront-checkout/internal/app"
	checkoutdomain "github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
	"github.com/bigkatzo/storefront-checkout/internal/app/metrics"
	checkoutsvc "github.com/bigkatzo/storefront-checkout/internal/app/services/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a router exposing the checkout REST API. Mutating
// calls are recorded in the audit trail; AUDIT_LOG_PATH selects an optional
// JSONL sink.
func NewHandler(application *app.Application, allowedOrigins []string) http.Handler {
	sink, err := newFileAuditSink(os.Getenv("AUDIT_LOG_PATH"))
	if err != nil {
		sink = nil
	}
	h := &handler{app: application, audit: newAuditLog(0, sink)}
	cors := newCORSMiddleware(allowedOrigins)

	r := mux.NewRouter()
	r.HandleFunc("/checkout", h.startCheckout).Methods(http.MethodPost)
	r.HandleFunc("/checkout/{session}", h.checkoutProgress).Methods(http.MethodGet)
	r.HandleFunc("/checkout/{session}/retry", h.retryPayment).Methods(http.MethodPost)
	r.HandleFunc("/checkout/{session}/cancel", h.cancelCheckout).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/card", h.cardWebhook).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", h.getOrder).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return metrics.InstrumentHandler(cors.handler(h.audit.middleware(r)))
}

// cartLinePayload is the wire shape of one cart item.
type cartLinePayload struct {
	ItemID          string            `json:"itemId"`
	ItemName        string            `json:"itemName"`
	CollectionID    string            `json:"collectionId"`
	SelectedOptions map[string]string `json:"selectedOptions,omitempty"`
	Quantity        int               `json:"quantity"`
	UnitPrice       decimal.Decimal   `json:"unitPrice"`
	PriceAdjustment decimal.Decimal   `json:"priceAdjustment"`
	AccessRule      *rulePayload      `json:"accessRule,omitempty"`
}

type rulePayload struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Quantity int    `json:"quantity"`
}

// methodPayload is the wire shape of the payment method union.
type methodPayload struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	Mint        string `json:"mint,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
	Decimals    int    `json:"decimals,omitempty"`
	SourceChain string `json:"sourceChain,omitempty"`
	Asset       string `json:"asset,omitempty"`
}

func (p methodPayload) toDomain() (checkoutdomain.PaymentMethod, error) {
	switch checkoutdomain.MethodKind(strings.ToLower(strings.TrimSpace(p.Type))) {
	case checkoutdomain.MethodCard:
		return checkoutdomain.Card{}, nil
	case checkoutdomain.MethodNative:
		return checkoutdomain.NativeToken{Token: p.Token}, nil
	case checkoutdomain.MethodSplToken:
		return checkoutdomain.SplToken{Mint: p.Mint, Symbol: p.Symbol, Decimals: p.Decimals}, nil
	case checkoutdomain.MethodCrossChain:
		return checkoutdomain.CrossChain{SourceChain: p.SourceChain, Asset: p.Asset}, nil
	default:
		return nil, fmt.Errorf("unknown payment method type %q", p.Type)
	}
}

type shippingPayload struct {
	Recipient  string `json:"recipient"`
	Email      string `json:"email"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// sessionView is the API projection of a checkout session.
type sessionView struct {
	SessionID    string     `json:"sessionId"`
	State        string     `json:"state"`
	BatchOrderID string     `json:"batchOrderId,omitempty"`
	TxReference  string     `json:"txReference,omitempty"`
	CartCleared  bool       `json:"cartCleared"`
	Error        *errorView `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type errorView struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Pending   bool   `json:"pending"`
}

func viewSession(s checkoutdomain.Session) sessionView {
	v := sessionView{
		SessionID:    s.ID,
		State:        s.State.String(),
		BatchOrderID: s.BatchOrderID,
		TxReference:  s.TxReference,
		CartCleared:  s.CartCleared,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.Err != nil {
		v.Error = &errorView{
			Kind:      string(s.Err.Kind),
			Message:   s.Err.Message,
			Retryable: s.Err.Retryable(),
			Pending:   s.Err.Pending(),
		}
	}
	return v
}

func (h *handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Wallet     string            `json:"walletAddress"`
		Cart       []cartLinePayload `json:"cart"`
		Shipping   shippingPayload   `json:"shipping"`
		Method     methodPayload     `json:"paymentMethod"`
		CouponCode string            `json:"couponCode"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	method, err := payload.Method.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cart := make([]checkoutdomain.CartLine, 0, len(payload.Cart))
	for _, line := range payload.Cart {
		domainLine := checkoutdomain.CartLine{
			ItemID:          line.ItemID,
			ItemName:        line.ItemName,
			CollectionID:    line.CollectionID,
			SelectedOptions: line.SelectedOptions,
			Quantity:        line.Quantity,
			UnitPrice:       line.UnitPrice,
			PriceAdjustment: line.PriceAdjustment,
		}
		if line.AccessRule != nil {
			domainLine.AccessRule = &eligibility.Rule{
				Type:     eligibility.RuleType(line.AccessRule.Type),
				Value:    line.AccessRule.Value,
				Quantity: line.AccessRule.Quantity,
			}
		}
		cart = append(cart, domainLine)
	}

	session, err := h.app.Checkout.StartCheckout(r.Context(), checkoutsvc.StartRequest{
		Wallet: payload.Wallet,
		Cart:   cart,
		Shipping: checkoutdomain.ShippingInfo{
			Recipient:  payload.Shipping.Recipient,
			Email:      payload.Shipping.Email,
			Address:    payload.Shipping.Address,
			City:       payload.Shipping.City,
			Country:    payload.Shipping.Country,
			PostalCode: payload.Shipping.PostalCode,
			Phone:      payload.Shipping.Phone,
		},
		Method:     method,
		CouponCode: payload.CouponCode,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewSession(session))
}

func (h *handler) checkoutProgress(w http.ResponseWriter, r *http.Request) {
	session, ok := h.app.Checkout.GetProgress(mux.Vars(r)["session"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown checkout session"))
		return
	}
	writeJSON(w, http.StatusOK, viewSession(session))
}

func (h *handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	session, err := h.app.Checkout.RetryPayment(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewSession(session))
}

func (h *handler) cancelCheckout(w http.ResponseWriter, r *http.Request) {
	session, err := h.app.Checkout.CancelCheckout(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(session))
}

func (h *handler) cardWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BatchOrderID string `json:"batchOrderId"`
		IntentID     string `json:"intentId"`
		Status       string `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.BatchOrderID == "" || payload.IntentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("batchOrderId and intentId are required"))
		return
	}

	succeeded := strings.EqualFold(payload.Status, "succeeded")
	if err := h.app.Checkout.HandleCardResult(r.Context(), payload.BatchOrderID, payload.IntentID, succeeded); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		// Conflicts mean a CAS race resolved the order already; the
		// processor should not retry.
		if errors.Is(err, storage.ErrStatusConflict) {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	batch, err := h.app.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
