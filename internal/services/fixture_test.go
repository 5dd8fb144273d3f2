package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/gateway"
	"github.com/javajoker/accredit-backend/internal/gateway/gatewaytest"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/testutil"
)

type fixture struct {
	store    *testutil.MemoryStore
	catalog  *testutil.Catalog
	gw       *gatewaytest.Gateway
	storage  *testutil.Storage
	notifier *testutil.Notifier
	cfg      *config.Config
	logger   *logrus.Logger
	hook     *test.Hook

	pricing   *PricingService
	transfers *TransferService
	purchases *PurchaseService
	webhooks  *WebhookService

	operator models.Party
	issuer   models.Party
	payer    models.Party
	course   models.Course
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:    testutil.NewMemoryStore(),
		catalog:  testutil.NewCatalog(),
		gw:       gatewaytest.New(),
		storage:  testutil.NewStorage(),
		notifier: &testutil.Notifier{},
		logger:   logger,
		hook:     hook,
	}

	f.operator = f.catalog.PutParty(models.Party{Name: "Platform", PartyType: models.PartyTypePlatform})
	f.issuer = f.catalog.PutParty(models.Party{
		Name:            "Safety Board",
		PartyType:       models.PartyTypeAccreditationBody,
		Email:           "board@example.com",
		PayoutAccountID: "acct_issuer",
	})
	f.payer = f.catalog.PutParty(models.Party{
		Name:      "Harbour Training",
		PartyType: models.PartyTypeTrainingCenter,
		Email:     "center@example.com",
	})
	f.course = f.catalog.PutCourse(models.Course{IssuerID: f.issuer.ID, Title: "First Aid", Code: "FA-1", IsActive: true})
	f.catalog.PutPrice(models.CoursePrice{
		CourseID:      f.course.ID,
		PartyID:       f.issuer.ID,
		Amount:        decimal.NewFromInt(100),
		Currency:      "USD",
		EffectiveFrom: time.Now().AddDate(0, -1, 0),
	})
	f.catalog.PutAuthorization(models.PartyAuthorization{PartyID: f.payer.ID, CounterpartyID: f.issuer.ID})

	f.cfg = &config.Config{
		Environment: "test",
		Payment: config.PaymentConfig{
			DefaultCommission:     20,
			DefaultCurrency:       "USD",
			ManualAmountTolerance: "0.01",
			OperatorPartyID:       f.operator.ID.String(),
		},
		Settlement: config.SettlementConfig{
			MaxTransferRetries: 3,
			RetryBatchSize:     10,
		},
	}

	f.pricing = NewPricingService(f.catalog, f.store.Discounts())
	f.transfers = NewTransferService(f.store, f.catalog, f.gw, f.notifier, f.cfg, logger)
	f.purchases = NewPurchaseService(PurchaseServiceDeps{
		Store:     f.store,
		Catalog:   f.catalog,
		Pricing:   f.pricing,
		Gateway:   f.gw,
		Storage:   f.storage,
		Notifier:  f.notifier,
		Transfers: f.transfers,
		Config:    f.cfg,
		Logger:    logger,
	})
	f.webhooks = NewWebhookService(f.store, f.gw, f.purchases, nil, logger)
	return f
}

// setPayoutAccount replaces the issuer's connected account.
func (f *fixture) setPayoutAccount(account string) {
	f.issuer.PayoutAccountID = account
	f.catalog.PutParty(f.issuer)
}

// paidCharge stores a charge that already succeeded at the gateway.
func (f *fixture) paidCharge(ref string, quantity int, amount int64, destination string) {
	f.gw.PutCharge(&gateway.Charge{
		ID:          ref,
		Status:      gateway.ChargeStatusSucceeded,
		Amount:      amount,
		Currency:    "usd",
		Destination: destination,
		Metadata:    chargeMetadata(f.payer.ID, f.issuer.ID, f.course.ID, quantity),
	})
}

func (f *fixture) purchaseRequest(ref string, quantity int) PurchaseRequest {
	return PurchaseRequest{
		CourseID:  f.course.ID,
		IssuerID:  f.issuer.ID,
		Quantity:  quantity,
		ChargeRef: ref,
	}
}

func (f *fixture) hasLog(level logrus.Level, message string) bool {
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

var testCtx = context.Background()
