package service

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"replenishment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	itemA = models.OrderItem{Reference: "R1", Color: "black", Sizes: models.Sizes{"34": 2}, Observation: "auto-replenish"}
	itemB = models.OrderItem{Reference: "R2", Color: "white", Sizes: models.Sizes{"36": 1, "37": 1}}
	itemC = models.OrderItem{Reference: "R3", Color: "red", Sizes: models.Sizes{"40": 3}}
)

func TestDeleteOneUntilEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))

	require.NoError(t, f.splitter.DeleteOne(ctx, &order, itemA))
	stored, ok := f.store.get(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.Items{itemB}, stored.Items)
	assert.True(t, stored.DenormalizedConsistent())
	assert.Equal(t, "R2", *stored.Reference)

	require.NoError(t, f.splitter.DeleteOne(ctx, &order, itemB))
	_, ok = f.store.get(order.ID)
	assert.False(t, ok, "empty orders are deleted")
}

func TestDeleteOneRequiresExactIdentity(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))

	other := itemA
	other.Observation = ""
	err := f.splitter.DeleteOne(context.Background(), &order, other)
	assert.ErrorIs(t, err, ErrItemNotFound)

	stored, _ := f.store.get(order.ID)
	assert.Len(t, stored.Items, 2)
}

func TestSplitAndAcceptOne(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))

	created, err := f.splitter.SplitAndAcceptOne(context.Background(), &order, itemA)
	require.NoError(t, err)

	stored, ok := f.store.get(created.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusInProcess, stored.Status)
	assert.Equal(t, models.Items{itemA}, stored.Items)
	require.NotNil(t, stored.AcceptedAt)
	assert.Equal(t, f.clock, *stored.AcceptedAt)
	assert.Equal(t, order.CreatedAt, stored.CreatedAt)
	assert.Equal(t, order.Deadline, stored.Deadline)
	assert.Equal(t, order.Observations, stored.Observations)

	source, ok := f.store.get(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.Items{itemB}, source.Items)
	assert.Equal(t, models.OrderStatusPending, source.Status)
	assert.Zero(t, f.anchors.len(), "anchor is cleared after success")
}

func TestSplitConservesItems(t *testing.T) {
	for _, target := range []models.OrderItem{itemA, itemB, itemC} {
		t.Run(target.Reference, func(t *testing.T) {
			f := newFixture(t)
			order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB, itemC))
			before := itemKeys(f.store.all())

			_, err := f.splitter.SplitAndAcceptOne(context.Background(), &order, target)
			require.NoError(t, err)
			assert.Equal(t, before, itemKeys(f.store.all()))
			assert.Len(t, f.store.all(), 2)

			require.NoError(t, f.splitter.DeleteOne(context.Background(), &order, order.Items[0]))
			assert.Len(t, itemKeys(f.store.all()), 2)
		})
	}
}

func TestSplitRemovesOnlyOneDuplicate(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemA))

	require.NoError(t, f.splitter.DeleteOne(context.Background(), &order, itemA))
	stored, ok := f.store.get(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.Items{itemA}, stored.Items)
}

func TestSplitAndAcceptOneLastItemDeletesSource(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA))

	created, err := f.splitter.SplitAndAcceptOne(context.Background(), &order, itemA)
	require.NoError(t, err)

	_, ok := f.store.get(order.ID)
	assert.False(t, ok)
	_, ok = f.store.get(created.ID)
	assert.True(t, ok)
}

func TestSplitAndAccept(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB, itemC))
	before := itemKeys(f.store.all())

	created, err := f.splitter.SplitAndAccept(context.Background(), &order)
	require.NoError(t, err)
	require.Len(t, created, 3)

	_, ok := f.store.get(order.ID)
	assert.False(t, ok)
	for _, o := range f.store.all() {
		assert.Equal(t, models.OrderStatusInProcess, o.Status)
		assert.Len(t, o.Items, 1)
	}
	assert.Equal(t, before, itemKeys(f.store.all()))
}

func TestSplitRetriesRemainder(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))
	f.store.failOnCall("UpdateOrderItems", 1, errors.New("connection reset"))

	_, err := f.splitter.SplitAndAcceptOne(context.Background(), &order, itemA)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.callCount("UpdateOrderItems"))

	source, _ := f.store.get(order.ID)
	assert.Equal(t, models.Items{itemB}, source.Items)
}

func TestSplitPartialFailureIsReportedAndResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))
	f.store.failOn("UpdateOrderItems", errors.New("store down"))

	created, err := f.splitter.SplitAndAcceptOne(ctx, &order, itemA)
	require.Error(t, err)

	var splitErr *SplitError
	require.ErrorAs(t, err, &splitErr)
	assert.Equal(t, StepRemainder, splitErr.Step)
	require.NotNil(t, created)
	assert.Equal(t, []int64{created.ID}, splitErr.NewOrderIDs)
	assert.Equal(t, 3, f.store.callCount("UpdateOrderItems"))
	assert.Equal(t, 1, f.anchors.len())

	// Source still holds the item until the retry succeeds
	source, _ := f.store.get(order.ID)
	assert.Equal(t, models.Items{itemA, itemB}, source.Items)

	f.store.failOn("UpdateOrderItems", nil)
	again, err := f.splitter.SplitAndAcceptOne(ctx, &source, itemA)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID, "the anchored order is reused")
	assert.Equal(t, 1, f.store.callCount("CreateOrder"))

	assert.Len(t, f.store.all(), 2)
	source, _ = f.store.get(order.ID)
	assert.Equal(t, models.Items{itemB}, source.Items)
	assert.Zero(t, f.anchors.len())
}

func TestSplitInsertFailureLeavesSourceUntouched(t *testing.T) {
	f := newFixture(t)
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))
	f.store.failOn("CreateOrder", errors.New("insert failed"))

	_, err := f.splitter.SplitAndAcceptOne(context.Background(), &order, itemA)

	var splitErr *SplitError
	require.ErrorAs(t, err, &splitErr)
	assert.Equal(t, StepInsert, splitErr.Step)
	assert.Zero(t, f.store.callCount("UpdateOrderItems"))

	source, _ := f.store.get(order.ID)
	assert.Len(t, source.Items, 2)
}

func TestSplitDuplicateWithUnclearedAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.anchors.deleteErr = errors.New("redis unavailable")
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemA, itemB))
	before := itemKeys(f.store.all())

	first, err := f.splitter.SplitAndAcceptOne(ctx, &order, itemA)
	require.NoError(t, err)
	second, err := f.splitter.SplitAndAcceptOne(ctx, &order, itemA)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, f.store.callCount("CreateOrder"))
	assert.Equal(t, before, itemKeys(f.store.all()))

	source, _ := f.store.get(order.ID)
	assert.Equal(t, models.Items{itemB}, source.Items)
}

func TestSplitIgnoresAnchorForCompletedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.store.put(systemOrder(models.OrderStatusPending, itemA, itemB))
	done := f.store.put(systemOrder(models.OrderStatusCompleted, itemA))
	require.NoError(t, f.anchors.SetIdempotencyKey(ctx,
		anchorKey(order.ID, sourceState(&order)+itemA.IdentityKey()), done.ID, splitAnchorTTL))

	created, err := f.splitter.SplitAndAcceptOne(ctx, &order, itemA)
	require.NoError(t, err)
	assert.NotEqual(t, done.ID, created.ID)
	assert.Equal(t, 1, f.store.callCount("CreateOrder"))
}

func TestAnchorKeyDependsOnIdentity(t *testing.T) {
	assert.Equal(t, anchorKey(1, itemA.IdentityKey()), anchorKey(1, itemA.IdentityKey()))
	assert.NotEqual(t, anchorKey(1, itemA.IdentityKey()), anchorKey(1, itemB.IdentityKey()))
	assert.NotEqual(t, anchorKey(1, itemA.IdentityKey()), anchorKey(2, itemA.IdentityKey()))
	assert.Contains(t, anchorKey(42, itemA.IdentityKey()), "split:"+strconv.Itoa(42)+":")
}
