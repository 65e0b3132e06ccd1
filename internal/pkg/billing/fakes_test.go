package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

const (
	timeoutShort = 2 * time.Second
	tick         = 5 * time.Millisecond
)

// memoryRepository mimics the MySQL schema: unique (provider, provider_ref),
// a conditional applied update and a listing merge that is atomic per row.
type memoryRepository struct {
	mu            sync.Mutex
	nextID        uint
	payments      map[uint]*models.PaymentRecord
	listings      map[uint]*models.Listing
	users         map[uint]*models.User
	notifications map[string]*models.PaymentNotification
	listingSaves  int
	failCreate    error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		payments:      map[uint]*models.PaymentRecord{},
		listings:      map[uint]*models.Listing{},
		users:         map[uint]*models.User{},
		notifications: map[string]*models.PaymentNotification{},
	}
}

func (r *memoryRepository) addListing(l models.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := l
	r.listings[l.ID] = &cp
}

func (r *memoryRepository) addUser(u models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := u
	r.users[u.ID] = &cp
}

func (r *memoryRepository) listing(ref string) models.Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listings {
		if l.Ref == ref {
			return *l
		}
	}
	return models.Listing{}
}

func (r *memoryRepository) allPayments() []models.PaymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PaymentRecord, 0, len(r.payments))
	for _, p := range r.payments {
		out = append(out, *p)
	}
	return out
}

func (r *memoryRepository) saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listingSaves
}

func (r *memoryRepository) findBy(match func(*models.PaymentRecord) bool) (*models.PaymentRecord, error) {
	var best *models.PaymentRecord
	for _, p := range r.payments {
		if match(p) && (best == nil || p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *memoryRepository) FindPaymentByProviderRef(_ context.Context, provider, providerRef string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findBy(func(p *models.PaymentRecord) bool {
		return p.Provider == provider && p.ProviderRefValue() == providerRef && p.ProviderRef != nil
	})
}

func (r *memoryRepository) FindPaymentByExternalReference(_ context.Context, provider, ext string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findBy(func(p *models.PaymentRecord) bool {
		return p.Provider == provider && p.ExternalReferenceValue() == ext && p.ExternalReference != nil
	})
}

func (r *memoryRepository) FindIntentByExternalReference(_ context.Context, provider, ext string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findBy(func(p *models.PaymentRecord) bool {
		return p.Provider == provider && p.ExternalReferenceValue() == ext && p.ExternalReference != nil && p.ProviderRef == nil
	})
}

func (r *memoryRepository) refTaken(provider, ref string, exceptID uint) bool {
	for _, p := range r.payments {
		if p.ID != exceptID && p.Provider == provider && p.ProviderRef != nil && *p.ProviderRef == ref {
			return true
		}
	}
	return false
}

func (r *memoryRepository) CreatePayment(_ context.Context, rec *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return r.failCreate
	}
	if rec.ProviderRef != nil && r.refTaken(rec.Provider, *rec.ProviderRef, 0) {
		return gorm.ErrDuplicatedKey
	}
	r.nextID++
	rec.ID = r.nextID
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	r.payments[rec.ID] = &cp
	return nil
}

func (r *memoryRepository) UpdatePayment(_ context.Context, id uint, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if ref, ok := updates["provider_ref"].(string); ok && r.refTaken(p.Provider, ref, id) {
		return gorm.ErrDuplicatedKey
	}
	for k, v := range updates {
		switch k {
		case "status":
			p.Status = v.(string)
		case "user_ref":
			u := v.(string)
			p.UserRef = &u
		case "listing_ref":
			l := v.(string)
			p.ListingRef = &l
		case "currency":
			c := v.(string)
			p.Currency = &c
		case "plan_code":
			p.PlanCode = v.(string)
		case "provider_ref":
			ref := v.(string)
			p.ProviderRef = &ref
		case "external_reference":
			ext := v.(string)
			p.ExternalReference = &ext
		case "amount":
			p.Amount = v.(decimal.NullDecimal)
		}
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepository) MarkAppliedOnce(_ context.Context, provider, ref string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Provider == provider && p.ProviderRef != nil && *p.ProviderRef == ref && !p.Applied {
			p.Applied = true
			t := at
			p.AppliedAt = &t
			p.Status = models.PaymentStatusSucceeded
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) ListStalePending(_ context.Context, provider string, before time.Time, limit int) ([]models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentRecord
	for _, p := range r.payments {
		if p.Provider == provider && p.Status == models.PaymentStatusPending && !p.Applied && p.ProviderRef != nil && p.UpdatedAt.Before(before) {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) GetListingByRef(_ context.Context, ref string) (*models.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listings {
		if l.Ref == ref {
			cp := *l
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// ApplyListingGrant merges under the lock from the stored row, like the
// single UPDATE in the gorm repository.
func (r *memoryRepository) ApplyListingGrant(_ context.Context, listingID uint, g entitlements.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.listings[listingID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.listingSaves++
	next := listingState(cur).Apply(g)
	cur.GrantedPhotoCap = next.GrantedPhotoCap
	cur.VisiblePhotoCap = next.VisiblePhotoCap
	cur.MessagingEnabled = next.MessagingEnabled
	cur.PlanCode = string(next.PlanCode)
	cur.PlanExpiresAt = next.PlanExpiresAt
	cur.BoostExpiresAt = next.BoostExpiresAt
	return nil
}

func listingState(l *models.Listing) entitlements.State {
	return entitlements.State{
		ImageCount:                l.ImageCount,
		VisiblePhotoCap:           l.VisiblePhotoCap,
		GrantedPhotoCap:           l.GrantedPhotoCap,
		MessagingEnabled:          l.MessagingEnabled,
		MessagingDisabledBySeller: l.MessagingDisabledBySeller,
		PlanCode:                  entitlements.Plan(l.PlanCode),
		PlanExpiresAt:             l.PlanExpiresAt,
		BoostExpiresAt:            l.BoostExpiresAt,
	}
}

func (r *memoryRepository) GetUser(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryRepository) GetUserByRef(_ context.Context, ref string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Ref == ref {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// lockstepRepository holds the first two listing reads until both have
// happened, so two deliveries merge from the same stale snapshot.
type lockstepRepository struct {
	*memoryRepository
	mu      sync.Mutex
	reads   int
	release chan struct{}
}

func newLockstepRepository(inner *memoryRepository) *lockstepRepository {
	return &lockstepRepository{memoryRepository: inner, release: make(chan struct{})}
}

func (r *lockstepRepository) GetListingByRef(ctx context.Context, ref string) (*models.Listing, error) {
	l, err := r.memoryRepository.GetListingByRef(ctx, ref)

	r.mu.Lock()
	r.reads++
	if r.reads == 2 {
		close(r.release)
	}
	r.mu.Unlock()

	select {
	case <-r.release:
	case <-time.After(timeoutShort):
	}
	return l, err
}

func (r *memoryRepository) CreateNotificationIfNotExists(_ context.Context, n *models.PaymentNotification) (bool, *models.PaymentNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := n.Provider + "|" + n.DeliveryID
	if existing, ok := r.notifications[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	n.ID = r.nextID
	cp := *n
	r.notifications[key] = &cp
	return true, n, nil
}

func (r *memoryRepository) MarkNotificationProcessed(_ context.Context, id uint, outcome, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.ID == id {
			now := time.Now()
			n.ProcessedAt = &now
			n.Outcome = outcome
			n.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type fakeGateway struct {
	mu         sync.Mutex
	configured bool
	payments   map[string][]byte
	err        error
	calls      int
	delay      time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{configured: true, payments: map[string][]byte{}}
}

func (g *fakeGateway) set(id, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[id] = []byte(body)
}

func (g *fakeGateway) Configured() bool { return g.configured }

func (g *fakeGateway) GetPayment(ctx context.Context, id string) (*GatewayPayment, error) {
	g.mu.Lock()
	g.calls++
	body, ok := g.payments[id]
	err := g.err
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("mercadopago payment request failed: status=404")
	}
	return ParseGatewayPayment(body)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Confirmation
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, c Confirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}
