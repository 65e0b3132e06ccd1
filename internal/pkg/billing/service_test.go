package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

type fixture struct {
	repo     *memoryRepository
	gateway  *fakeGateway
	notifier *recordingNotifier
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemoryRepository(),
		gateway:  newFakeGateway(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	f.repo.addUser(models.User{ID: 5, Ref: "U5", Name: "Lucía", Email: "lucia@example.com", Status: models.STATUS_ACTIVE})
	f.repo.addListing(models.Listing{ID: 1, Ref: "L1", OwnerUserID: 5, Title: "Trek Marlin 7", ImageCount: 10, VisiblePhotoCap: 3, GrantedPhotoCap: 3})
	f.svc = NewService(f.repo, f.gateway, WithNotifier(f.notifier), WithClock(func() time.Time { return f.now }))
	return f
}

func paymentJSON(id, status string, meta string) string {
	return fmt.Sprintf(`{"id":%q,"status":%q,"transaction_amount":13000,"currency_id":"ARS","metadata":%s}`, id, status, meta)
}

func TestProcessPaymentHappyPath(t *testing.T) {
	f := newFixture(t)
	f.gateway.set("P1", `{"id":"P1","status":"approved","transaction_amount":13000,"currency_id":"ARS",
		"metadata":{"listingId":"L1","planCode":"premium"}}`)

	res, err := f.svc.ProcessPayment(context.Background(), "P1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, OutcomeSucceeded, res.Status)

	payments := f.repo.allPayments()
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentProviderMercadoPago, payments[0].Provider)
	assert.Equal(t, "P1", payments[0].ProviderRefValue())
	assert.True(t, payments[0].Applied)
	assert.NotNil(t, payments[0].AppliedAt)
	assert.Equal(t, models.PaymentStatusSucceeded, payments[0].Status)
	assert.True(t, payments[0].Amount.Decimal.Equal(decimal.NewFromInt(13000)))
	assert.Equal(t, "L1", payments[0].ListingRefValue())

	listing := f.repo.listing("L1")
	assert.Equal(t, "premium", listing.PlanCode)
	assert.GreaterOrEqual(t, listing.GrantedPhotoCap, 8)
	assert.Equal(t, 8, listing.VisiblePhotoCap)
	assert.True(t, listing.MessagingEnabled)
	require.NotNil(t, listing.PlanExpiresAt)
	assert.Equal(t, f.now.Add(60*24*time.Hour), *listing.PlanExpiresAt)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "lucia@example.com", f.notifier.sent[0].To)
	assert.Equal(t, entitlements.PlanPremium, f.notifier.sent[0].Plan)
	assert.Equal(t, "L1", f.notifier.sent[0].ListingRef)
}

func TestProcessPaymentMailsNamedUser(t *testing.T) {
	f := newFixture(t)
	f.repo.addUser(models.User{ID: 6, Ref: "U6", Name: "Tomás", Email: "tomas@example.com", Status: models.STATUS_ACTIVE})
	f.gateway.set("P9", paymentJSON("P9", "approved", `{"listing_id":"L1","user_id":"U6","plan_code":"basic"}`))

	res, err := f.svc.ProcessPayment(context.Background(), "P9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Status)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "tomas@example.com", f.notifier.sent[0].To)

	rec, err := f.repo.FindPaymentByProviderRef(context.Background(), models.PaymentProviderMercadoPago, "P9")
	require.NoError(t, err)
	require.NotNil(t, rec.UserRef)
	assert.Equal(t, "U6", *rec.UserRef)
}

func TestProcessPaymentDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.gateway.set("P1", paymentJSON("P1", "approved", `{"listing_id":"L1","plan_code":"premium"}`))
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, "P1")
	require.NoError(t, err)
	before := f.repo.listing("L1")
	saves := f.repo.saves()

	res, err := f.svc.ProcessPayment(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, OutcomeAlreadyApplied, res.Status)

	assert.Equal(t, before, f.repo.listing("L1"))
	assert.Equal(t, saves, f.repo.saves())
	assert.Equal(t, 1, f.notifier.count())
	assert.Len(t, f.repo.allPayments(), 1)
}

func TestProcessPaymentMissingMetadata(t *testing.T) {
	f := newFixture(t)
	f.gateway.set("P2", paymentJSON("P2", "approved", `{}`))

	res, err := f.svc.ProcessPayment(context.Background(), "P2")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, OutcomeMissingMetadata, res.Status)

	assert.Equal(t, 0, f.repo.saves())
	assert.Equal(t, 0, f.notifier.count())
	payments := f.repo.allPayments()
	require.Len(t, payments, 1)
	assert.False(t, payments[0].Applied)
	assert.Equal(t, models.PaymentStatusSucceeded, payments[0].Status)
}

func TestProcessPaymentReconcilesCheckoutIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.svc.RecordPaymentIntent(ctx, PaymentIntentInput{
		ListingRef:        "L1",
		Amount:            decimal.NewNullDecimal(decimal.NewFromInt(13000)),
		Currency:          "ars",
		ExternalReference: "X",
		PlanCode:          "premium",
	})
	require.NoError(t, err)
	require.True(t, intent.OK)

	f.gateway.set("Y", `{"id":"Y","status":"approved","external_reference":"X","metadata":{"listing_id":"L1","plan_code":"premium"}}`)
	res, err := f.svc.ProcessPayment(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Status)

	payments := f.repo.allPayments()
	require.Len(t, payments, 1, "intent must be migrated, not duplicated")
	assert.Equal(t, intent.RecordID, payments[0].ID)
	assert.Equal(t, "Y", payments[0].ProviderRefValue())
	assert.Equal(t, "X", payments[0].ExternalReferenceValue())
	assert.True(t, payments[0].Applied)

	_, err = f.repo.FindIntentByExternalReference(ctx, models.PaymentProviderMercadoPago, "X")
	assert.True(t, isNotFound(err), "no unkeyed row may remain for X")
}

func TestProcessPaymentStatusesWithoutApplication(t *testing.T) {
	f := newFixture(t)
	f.gateway.set("P3", paymentJSON("P3", "in_process", `{"listing_id":"L1","plan_code":"pro"}`))
	f.gateway.set("P4", paymentJSON("P4", "rejected", `{"listing_id":"L1","plan_code":"pro"}`))
	ctx := context.Background()

	res, err := f.svc.ProcessPayment(ctx, "P3")
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{OK: true, Status: OutcomePending}, res)

	res, err = f.svc.ProcessPayment(ctx, "P4")
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{OK: true, Status: OutcomeFailed}, res)

	assert.Equal(t, 0, f.repo.saves())
	assert.Equal(t, 0, f.notifier.count())
}

func TestProcessPaymentPendingThenApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.set("P5", paymentJSON("P5", "in_process", `{"listing_id":"L1","plan_code":"pro"}`))
	_, err := f.svc.ProcessPayment(ctx, "P5")
	require.NoError(t, err)

	f.gateway.set("P5", paymentJSON("P5", "approved", `{"listing_id":"L1","plan_code":"pro"}`))
	res, err := f.svc.ProcessPayment(ctx, "P5")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Status)
	assert.Len(t, f.repo.allPayments(), 1)
	assert.Equal(t, 12, f.repo.listing("L1").GrantedPhotoCap)
}

func TestProcessPaymentStaleNotificationKeepsAppliedRecord(t *testing.T) {
	tests := []struct {
		name       string
		gateway    string
		outcome    Outcome
		wantStatus string
	}{
		{name: "stale pending", gateway: "pending", outcome: OutcomePending, wantStatus: models.PaymentStatusSucceeded},
		{name: "refunded", gateway: "refunded", outcome: OutcomeFailed, wantStatus: models.PaymentStatusFailed},
		{name: "charged back", gateway: "charged_back", outcome: OutcomeFailed, wantStatus: models.PaymentStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			f.gateway.set("P6", paymentJSON("P6", "approved", `{"listing_id":"L1","plan_code":"premium"}`))
			_, err := f.svc.ProcessPayment(ctx, "P6")
			require.NoError(t, err)
			granted := f.repo.listing("L1")

			f.gateway.set("P6", paymentJSON("P6", tt.gateway, `{"listing_id":"L1","plan_code":"premium"}`))
			res, err := f.svc.ProcessPayment(ctx, "P6")
			require.NoError(t, err)
			assert.Equal(t, ProcessResult{OK: true, Status: tt.outcome}, res)

			payments := f.repo.allPayments()
			require.Len(t, payments, 1)
			assert.True(t, payments[0].Applied, "applied never goes back to false")
			assert.Equal(t, tt.wantStatus, payments[0].Status)
			assert.Equal(t, granted, f.repo.listing("L1"))
			assert.Equal(t, 1, f.notifier.count())
		})
	}
}

func TestProcessPaymentMonotonicAcrossPayments(t *testing.T) {
	for _, order := range [][]string{{"basic", "pro"}, {"pro", "basic"}} {
		order := order
		t.Run(order[0]+"_then_"+order[1], func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for i, plan := range order {
				id := fmt.Sprintf("M%d", i)
				f.gateway.set(id, paymentJSON(id, "approved", fmt.Sprintf(`{"listing_id":"L1","plan_code":%q}`, plan)))
				res, err := f.svc.ProcessPayment(ctx, id)
				require.NoError(t, err)
				require.Equal(t, OutcomeSucceeded, res.Status)
			}

			listing := f.repo.listing("L1")
			assert.Equal(t, 12, listing.GrantedPhotoCap)
			assert.Equal(t, 10, listing.VisiblePhotoCap)
			assert.Equal(t, order[1], listing.PlanCode, "latest payment wins on plan identity")
			assert.Equal(t, 2, f.notifier.count())
		})
	}
}

func TestProcessPaymentConcurrentSingleInstance(t *testing.T) {
	f := newFixture(t)
	f.gateway.delay = 20 * time.Millisecond
	f.gateway.set("P1", paymentJSON("P1", "approved", `{"listing_id":"L1","plan_code":"premium"}`))

	results := runConcurrently(t, 16, func(int) (ProcessResult, error) {
		return f.svc.ProcessPayment(context.Background(), "P1")
	})

	assert.Equal(t, 1, countOutcome(results, OutcomeSucceeded))
	for _, r := range results {
		assert.Contains(t, []Outcome{OutcomeSucceeded, OutcomeInFlight, OutcomeAlreadyApplied, OutcomeReconciled}, r.Status)
	}
	assert.Equal(t, 1, f.notifier.count())
	assert.Len(t, f.repo.allPayments(), 1)
}

func TestProcessPaymentConcurrentAcrossInstances(t *testing.T) {
	f := newFixture(t)
	f.gateway.set("P1", paymentJSON("P1", "approved", `{"listing_id":"L1","plan_code":"premium"}`))

	// One service per "instance": guards are not shared, only the ledger is.
	services := make([]*Service, 8)
	for i := range services {
		services[i] = NewService(f.repo, f.gateway, WithNotifier(f.notifier), WithClock(func() time.Time { return f.now }))
	}

	results := runConcurrently(t, len(services), func(i int) (ProcessResult, error) {
		return services[i].ProcessPayment(context.Background(), "P1")
	})

	assert.Equal(t, 1, countOutcome(results, OutcomeSucceeded))
	assert.Equal(t, 1, f.notifier.count())
	payments := f.repo.allPayments()
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Applied)
	assert.Equal(t, "premium", f.repo.listing("L1").PlanCode)
}

func TestProcessPaymentConcurrentPlansForSameListing(t *testing.T) {
	f := newFixture(t)
	repo := newLockstepRepository(f.repo)
	svc := NewService(repo, f.gateway, WithNotifier(f.notifier), WithClock(func() time.Time { return f.now }))
	f.gateway.set("PA", paymentJSON("PA", "approved", `{"listing_id":"L1","plan_code":"pro"}`))
	f.gateway.set("PB", paymentJSON("PB", "approved", `{"listing_id":"L1","plan_code":"basic"}`))

	ids := []string{"PA", "PB"}
	results := runConcurrently(t, len(ids), func(i int) (ProcessResult, error) {
		return svc.ProcessPayment(context.Background(), ids[i])
	})
	assert.Equal(t, 2, countOutcome(results, OutcomeSucceeded))

	listing := f.repo.listing("L1")
	assert.Equal(t, 12, listing.GrantedPhotoCap)
	assert.Equal(t, 10, listing.VisiblePhotoCap, "a concurrent basic payment must not shrink the pro cap")
	assert.True(t, listing.MessagingEnabled, "a concurrent basic payment must not switch messaging off")
	require.NotNil(t, listing.BoostExpiresAt)
	assert.Equal(t, f.now.Add(15*24*time.Hour), *listing.BoostExpiresAt)
	assert.Equal(t, 2, f.notifier.count())
}

func TestProcessPaymentUnavailable(t *testing.T) {
	f := newFixture(t)
	f.gateway.configured = false

	res, err := f.svc.ProcessPayment(context.Background(), "P1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, OutcomeUnavailable, res.Status)
	assert.Equal(t, 0, f.gateway.calls)
	assert.Empty(t, f.repo.allPayments())
}

func TestProcessPaymentGatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = errors.New("timeout")

	res, err := f.svc.ProcessPayment(context.Background(), "P1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayFetch)
	assert.False(t, res.OK)
	assert.Empty(t, f.repo.allPayments())

	// The guard must be free again for the redelivery.
	f.gateway.err = nil
	f.gateway.set("P1", paymentJSON("P1", "approved", `{"listing_id":"L1","plan_code":"basic"}`))
	res, err = f.svc.ProcessPayment(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Status)
}

func TestProcessPaymentListingNotFound(t *testing.T) {
	f := newFixture(t)
	f.gateway.set("P7", paymentJSON("P7", "approved", `{"listing_id":"L999","plan_code":"premium"}`))

	_, err := f.svc.ProcessPayment(context.Background(), "P7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListingNotFound)

	payments := f.repo.allPayments()
	require.Len(t, payments, 1)
	assert.False(t, payments[0].Applied)
	assert.Equal(t, 0, f.notifier.count())
}

func TestProcessPaymentNotificationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	f.gateway.set("P8", paymentJSON("P8", "approved", `{"listing_id":"L1","plan_code":"pro"}`))

	res, err := f.svc.ProcessPayment(context.Background(), "P8")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Status)
	assert.True(t, f.repo.allPayments()[0].Applied)
}

func TestProcessPaymentEmptyID(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.ProcessPayment(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrPaymentIDRequired)
	assert.Equal(t, OutcomeInvalid, res.Status)
}

func TestRecordPaymentIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RecordPaymentIntent(ctx, PaymentIntentInput{PlanCode: "premium"})
	assert.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.svc.RecordPaymentIntent(ctx, PaymentIntentInput{ListingRef: "L1", PlanCode: "gold"})
	assert.ErrorIs(t, err, ErrUnknownPlan)

	generated, err := f.svc.RecordPaymentIntent(ctx, PaymentIntentInput{ListingRef: "L1", PlanCode: "pro"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ExternalReference)

	first, err := f.svc.RecordPaymentIntent(ctx, PaymentIntentInput{ListingRef: "L1", ExternalReference: "chk-1", Status: "succeeded"})
	require.NoError(t, err)
	second, err := f.svc.RecordPaymentIntent(ctx, PaymentIntentInput{ListingRef: "L1", ExternalReference: "chk-1", PlanCode: "basic"})
	require.NoError(t, err)
	assert.Equal(t, first.RecordID, second.RecordID)

	rec, err := f.repo.FindPaymentByExternalReference(ctx, models.PaymentProviderMercadoPago, "chk-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, rec.Status, "intents cannot claim success")
	assert.Equal(t, "basic", rec.PlanCode)
	assert.False(t, rec.Applied)
	assert.Len(t, f.repo.allPayments(), 2)
}

func TestRecordNotificationDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := []byte(`{"type":"payment","data":{"id":"P1"}}`)

	created, stored, err := f.svc.RecordNotification(ctx, NotificationInput{DeliveryID: "d-1", Topic: "payment", PaymentRef: "P1", Payload: payload})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.PaymentProviderMercadoPago, stored.Provider)

	created, _, err = f.svc.RecordNotification(ctx, NotificationInput{DeliveryID: "d-1", Topic: "payment", PaymentRef: "P1", Payload: payload})
	require.NoError(t, err)
	assert.False(t, created)

	created, hashed, err := f.svc.RecordNotification(ctx, NotificationInput{Topic: "payment", Payload: payload})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, hashed.DeliveryID, "hash:")

	require.NoError(t, f.svc.MarkNotificationProcessed(ctx, stored.ID, OutcomeSucceeded, nil))
	assert.Error(t, f.svc.MarkNotificationProcessed(ctx, 0, OutcomeSucceeded, nil))
}

func runConcurrently(t *testing.T, n int, fn func(i int) (ProcessResult, error)) []ProcessResult {
	t.Helper()
	results := make([]ProcessResult, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func countOutcome(results []ProcessResult, want Outcome) int {
	n := 0
	for _, r := range results {
		if r.Status == want {
			n++
		}
	}
	return n
}
