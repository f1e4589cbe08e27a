package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Sandbox creates orders locally. It backs development setups and tests
// where no gateway is configured.
type Sandbox struct {
	mu     sync.Mutex
	orders map[string]*Order
	fail   error
}

func NewSandbox() *Sandbox {
	return &Sandbox{orders: make(map[string]*Order)}
}

func (s *Sandbox) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, apperr.Wrap(apperr.KindInternal, s.fail, "payment gateway unavailable")
	}
	order := &Order{
		ID:       "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Amount:   minorUnits(req.Amount),
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}
	s.orders[order.ID] = order
	return order, nil
}

// FailWith makes subsequent calls fail with err until called with nil.
func (s *Sandbox) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Orders returns the number of orders created so far.
func (s *Sandbox) Orders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
