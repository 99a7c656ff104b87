package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db/dbtest"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/security"
	"github.com/stretchr/testify/require"
)

const testSecret = "access-secret"

var (
	consumer    = Principal{Role: security.RoleConsumer, ID: 100}
	stranger    = Principal{Role: security.RoleConsumer, ID: 999}
	vendor      = Principal{Role: security.RoleVendor, ID: 1}
	otherVendor = Principal{Role: security.RoleVendor, ID: 2}
	admin       = Principal{Role: security.RoleAdmin, ID: 1}
)

func TestGuardOwnership(t *testing.T) {
	conn := dbtest.Open(t)
	guard := NewGuard(conn)
	ctx := context.Background()

	plan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{VendorID: vendor.ID})
	group := dbtest.CreateGroup(t, conn, plan, dbtest.GroupSpec{
		ConsumerID: consumer.ID,
		StartDate:  clock.Date(2024, time.March, 4),
		Slots:      map[models.Slot]models.Weekdays{models.SlotLunch: models.WeekdaysOf(time.Monday)},
	})
	subID := group.Subscriptions[0].ID

	for _, p := range []Principal{consumer, vendor, admin} {
		_, err := guard.Group(ctx, p, group.ID)
		require.NoError(t, err, "%+v", p)
		_, err = guard.Subscription(ctx, p, subID)
		require.NoError(t, err, "%+v", p)
	}
	for _, p := range []Principal{stranger, otherVendor} {
		_, err := guard.Group(ctx, p, group.ID)
		require.ErrorIs(t, err, apperr.ErrUnauthorized, "%+v", p)
		_, err = guard.Subscription(ctx, p, subID)
		require.ErrorIs(t, err, apperr.ErrUnauthorized, "%+v", p)
	}

	_, err := guard.Group(ctx, Principal{}, group.ID)
	require.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	_, err = guard.Group(ctx, consumer, group.ID+100)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = guard.Subscription(ctx, consumer, subID+100)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGuardTrialAndHoliday(t *testing.T) {
	conn := dbtest.Open(t)
	guard := NewGuard(conn)
	ctx := context.Background()

	trial := models.Trial{
		ConsumerID:  consumer.ID,
		VendorID:    vendor.ID,
		TrialTypeID: 1,
		StartDate:   clock.Date(2024, time.March, 4),
		EndDate:     clock.Date(2024, time.March, 6),
		Status:      models.TrialStatusScheduled,
	}
	require.NoError(t, conn.Create(&trial).Error)
	holiday := models.VendorHoliday{VendorID: vendor.ID, Date: clock.Date(2024, time.March, 5)}
	require.NoError(t, conn.Create(&holiday).Error)

	_, err := guard.Trial(ctx, consumer, trial.ID)
	require.NoError(t, err)
	_, err = guard.Trial(ctx, stranger, trial.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = guard.Holiday(ctx, vendor, holiday.ID)
	require.NoError(t, err)
	_, err = guard.Holiday(ctx, admin, holiday.ID)
	require.NoError(t, err)
	_, err = guard.Holiday(ctx, otherVendor, holiday.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = guard.Holiday(ctx, consumer, holiday.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	require.NoError(t, guard.Vendor(vendor, vendor.ID))
	require.ErrorIs(t, guard.Vendor(consumer, vendor.ID), apperr.ErrUnauthorized)
	require.NoError(t, guard.Consumer(consumer, consumer.ID))
	require.ErrorIs(t, guard.Consumer(stranger, consumer.ID), apperr.ErrUnauthorized)
	require.ErrorIs(t, guard.Consumer(Principal{}, consumer.ID), apperr.ErrNotAuthenticated)
}

func TestCapabilities(t *testing.T) {
	require.True(t, Allows(security.RoleConsumer, CapSkip))
	require.False(t, Allows(security.RoleVendor, CapSkip))
	require.True(t, Allows(security.RoleVendor, CapDeclareHoliday))
	require.False(t, Allows(security.RoleConsumer, CapDeclareHoliday))
	require.True(t, Allows(security.RoleAdmin, CapManageCredits))
	require.False(t, Allows(security.RoleConsumer, CapManageCredits))
	require.False(t, Allows(security.RoleConsumer, "unknown"))

	require.ErrorIs(t, Check(Principal{}, CapSkip), apperr.ErrNotAuthenticated)
	errCheck := Check(vendor, CapPause)
	require.ErrorIs(t, errCheck, apperr.ErrUnauthorized)

	defs := Definitions()
	require.Len(t, defs, len(definitions))
	for i := 1; i < len(defs); i++ {
		require.Less(t, string(defs[i-1].Key), string(defs[i].Key))
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/skip", Middleware(testSecret), Require(CapSkip), func(c *gin.Context) {
		c.JSON(http.StatusOK, FromContext(c))
	})

	send := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/skip", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	consumerToken, err := security.IssueToken(testSecret, security.RoleConsumer, 100, time.Hour, time.Now())
	require.NoError(t, err)
	vendorToken, err := security.IssueToken(testSecret, security.RoleVendor, 1, time.Hour, time.Now())
	require.NoError(t, err)

	w := send("Bearer " + consumerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(t, `{"role":"consumer","id":100}`, w.Body.String())

	require.Equal(t, http.StatusUnauthorized, send("").Code)
	require.Equal(t, http.StatusUnauthorized, send(consumerToken).Code)
	require.Equal(t, http.StatusUnauthorized, send("Bearer ").Code)
	require.Equal(t, http.StatusUnauthorized, send("Bearer garbage").Code)

	w = send("Bearer " + vendorToken)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), string(apperr.KindUnauthorized))
}
