package saga

// sagaRun is the stock a saga has taken for its order and not yet given back.
// Held items leave the record under the orchestrator lock, so whoever takes
// them is the only one that restores them.
type sagaRun struct {
	items int
	held  []OrderItem
	// cancelled is set when a user cancel lands while the saga still runs;
	// the saga then gives back what it holds on its way out.
	cancelled bool
	done      bool
}

func (o *OrderSagaOrchestrator) startRun(orderID string, items int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[orderID] = &sagaRun{items: items}
}

func (o *OrderSagaOrchestrator) hold(orderID string, item OrderItem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[orderID]; ok {
		r.held = append(r.held, item)
	}
}

// claimHeld hands the held items to the saga's own compensation.
func (o *OrderSagaOrchestrator) claimHeld(orderID string) []OrderItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[orderID]
	if !ok {
		return nil
	}
	items := r.held
	r.held = nil
	return items
}

// closeRun marks the saga finished and returns the items it must still give
// back because of a user cancel. A record is dropped once a later cancel can
// no longer need it: the order is terminal, or it holds every item, which is
// what a cancel without a record assumes.
func (o *OrderSagaOrchestrator) closeRun(orderID string, terminal bool) []OrderItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[orderID]
	if !ok {
		return nil
	}
	r.done = true
	var items []OrderItem
	if r.cancelled {
		items, r.held = r.held, nil
	}
	if terminal || r.cancelled || len(r.held) == r.items {
		delete(o.runs, orderID)
	}
	return items
}

// releaseForCancel returns the stock a user cancel has to give back. While
// the saga runs it owns its stock, so nothing is released here.
func (o *OrderSagaOrchestrator) releaseForCancel(orderID string, all []OrderItem) []OrderItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[orderID]
	if !ok {
		return all
	}
	if !r.done {
		r.cancelled = true
		return nil
	}
	delete(o.runs, orderID)
	return r.held
}
