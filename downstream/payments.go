package downstream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeDeclined answers 200 with success false and status FAILED.
	OutcomeDeclined Outcome = "FAILED"
	// OutcomeError answers 500, which callers retry.
	OutcomeError Outcome = "ERROR"
)

type Charge struct {
	ID            string
	OrderID       string
	Amount        decimal.Decimal
	PaymentMethod string
	Status        string
}

// Payments charges orders. Outcomes can be scripted per order; everything
// else gets the default outcome.
type Payments struct {
	mu        sync.Mutex
	outcomes  map[string]Outcome
	fallback  Outcome
	charges   []Charge
	completed map[string]bool
}

func NewPayments() *Payments {
	return &Payments{outcomes: map[string]Outcome{}, fallback: OutcomeCompleted, completed: map[string]bool{}}
}

func (p *Payments) Script(orderID string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[orderID] = outcome
}

func (p *Payments) SetDefault(outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = outcome
}

// Charges returns every charge attempt that reached a decision.
func (p *Payments) Charges() []Charge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Charge(nil), p.charges...)
}

func (p *Payments) Mount(r chi.Router) {
	r.Post("/payments", p.charge)
}

type chargeRequest struct {
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

func (p *Payments) charge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "orderId and a positive amount are required")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed[req.OrderID] {
		writeError(w, http.StatusConflict, "CONFLICT", "payment already completed for order")
		return
	}
	outcome, ok := p.outcomes[req.OrderID]
	if !ok {
		outcome = p.fallback
	}
	if outcome == OutcomeError {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "payment gateway error")
		return
	}

	c := Charge{
		ID:            uuid.NewString(),
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Status:        string(outcome),
	}
	p.charges = append(p.charges, c)
	if outcome == OutcomeCompleted {
		p.completed[req.OrderID] = true
	}
	writeJSON(w, http.StatusOK, response{
		Success: outcome == OutcomeCompleted,
		Data:    map[string]string{"id": c.ID, "status": c.Status},
	})
}
