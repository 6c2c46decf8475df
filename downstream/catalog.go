package downstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type product struct {
	price decimal.Decimal
	stock int
}

// Catalog keeps products with a price and a stock level.
type Catalog struct {
	mu       sync.Mutex
	products map[string]*product
	// failing maps "productID/operation" to forced 500 responses.
	failing  map[string]bool
	down     bool
	requests int
}

func NewCatalog() *Catalog {
	return &Catalog{products: map[string]*product{}, failing: map[string]bool{}}
}

func (c *Catalog) Put(id string, price decimal.Decimal, stock int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[id] = &product{price: price, stock: stock}
}

func (c *Catalog) SetPrice(id string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.products[id]; ok {
		p.price = price
	}
}

func (c *Catalog) Stock(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.products[id]; ok {
		return p.stock
	}
	return 0
}

// FailInventory makes stock changes of the given operation on a product
// answer 500 until cleared.
func (c *Catalog) FailInventory(id, operation string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[id+"/"+operation] = fail
}

// SetDown makes every catalog endpoint answer 503.
func (c *Catalog) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Requests is the number of requests that reached the catalog.
func (c *Catalog) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *Catalog) Mount(r chi.Router) {
	r.Route("/products/{id}", func(r chi.Router) {
		r.Use(c.count)
		r.Get("/", c.getProduct)
		r.Post("/inventory", c.adjustInventory)
	})
}

func (c *Catalog) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.requests++
		down := c.down
		c.mu.Unlock()
		if down {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "catalog is down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type productBody struct {
	ID    string      `json:"id"`
	Price json.Number `json:"price"`
	Stock int         `json:"stock"`
}

func (c *Catalog) getProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c.mu.Lock()
	p, ok := c.products[id]
	var body productBody
	if ok {
		body = productBody{ID: id, Price: json.Number(p.price.String()), Stock: p.stock}
	}
	c.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("product %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: body})
}

type inventoryRequest struct {
	Quantity  int    `json:"quantity"`
	Operation string `json:"operation"`
}

func (c *Catalog) adjustInventory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "quantity must be positive")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing[id+"/"+req.Operation] {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "inventory update failed")
		return
	}
	p, ok := c.products[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("product %s not found", id))
		return
	}
	switch req.Operation {
	case "decrease":
		if p.stock < req.Quantity {
			writeError(w, http.StatusConflict, "INSUFFICIENT_STOCK", fmt.Sprintf("product %s has %d in stock", id, p.stock))
			return
		}
		p.stock -= req.Quantity
	case "increase":
		p.stock += req.Quantity
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "operation must be increase or decrease")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: productBody{ID: id, Price: json.Number(p.price.String()), Stock: p.stock}})
}
