package cost

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// fakeDynamo is an in-memory spend table.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]float64
	fail  error
}

func newFakeDynamo() *fakeDynamo { return &fakeDynamo{items: map[string]float64{}} }

func (f *fakeDynamo) key(item map[string]types.AttributeValue) string {
	return item[dynamoKeyAttr].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	v, ok := f.items[f.key(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		dynamoKeyAttr:   in.Key[dynamoKeyAttr],
		dynamoSpentAttr: &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'g', -1, 64)},
	}}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	delta, err := strconv.ParseFloat(in.ExpressionAttributeValues[":delta"].(*types.AttributeValueMemberN).Value, 64)
	if err != nil {
		return nil, err
	}
	k := f.key(in.Key)
	f.items[k] += delta
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		dynamoSpentAttr: &types.AttributeValueMemberN{Value: strconv.FormatFloat(f.items[k], 'g', -1, 64)},
	}}, nil
}

func TestDynamoLedger_AddAndSpent(t *testing.T) {
	ctx := context.Background()
	ledger, err := NewDynamoLedger(newFakeDynamo(), "enhance-spend")
	require.NoError(t, err)

	spent, err := ledger.Spent(ctx, "principal:alice@2026-10")
	require.NoError(t, err)
	assert.Zero(t, spent)

	total, err := ledger.Add(ctx, "principal:alice@2026-10", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, total, 1e-12)
	total, err = ledger.Add(ctx, "principal:alice@2026-10", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-12)

	spent, err = ledger.Spent(ctx, "principal:alice@2026-10")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, spent, 1e-12)

	_, err = NewDynamoLedger(newFakeDynamo(), " ")
	assert.Error(t, err)
}

func TestDynamoLedger_SharedAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	table := newFakeDynamo()
	budgets := []Budget{{Scope: "principal:*", Period: PeriodMonthly, Ceiling: 4}}

	replica := func() *Tracker {
		ledger, err := NewDynamoLedger(table, "enhance-spend")
		require.NoError(t, err)
		tr, err := NewTracker(TrackerConfig{Budgets: budgets, Ledger: ledger})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	}
	a, b := replica(), replica()

	_, err := a.Charge(ctx, "principal:dave", 1.5)
	require.NoError(t, err)
	_, err = b.Charge(ctx, "principal:dave", 1.0)
	require.NoError(t, err)
	_, err = a.Charge(ctx, "principal:dave", 1.0)
	require.NoError(t, err)

	usage, err := a.Usage(ctx, "principal:dave")
	require.NoError(t, err)
	assert.InDelta(t, 3.5, usage.Spent, 1e-9)

	_, err = a.Reserve(ctx, nil, []string{"principal:dave"}, 1.0)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
}

func TestDynamoLedger_PropagatesErrors(t *testing.T) {
	table := newFakeDynamo()
	table.fail = errors.New("throttled")
	ledger, err := NewDynamoLedger(table, "enhance-spend")
	require.NoError(t, err)

	_, err = ledger.Spent(context.Background(), "k")
	assert.ErrorContains(t, err, "throttled")
	_, err = ledger.Add(context.Background(), "k", 1)
	assert.ErrorContains(t, err, "throttled")
}
