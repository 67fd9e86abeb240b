package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/application/ports"
	"echocog/domain/core/valueobjects"
	"echocog/infrastructure/persistence/repotest"
	pkgerrors "echocog/pkg/errors"
)

type fakeClient struct {
	getOut      *dynamodb.GetItemOutput
	scanPages   []*dynamodb.ScanOutput
	transactErr error
	updateErr   error

	transacts []*dynamodb.TransactWriteItemsInput
	updates   []*dynamodb.UpdateItemInput
	scans     int
}

func (f *fakeClient) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOut, nil
}

func (f *fakeClient) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeClient) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	page := f.scanPages[f.scans]
	f.scans++
	return page, nil
}

func (f *fakeClient) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transacts = append(f.transacts, in)
	return &dynamodb.TransactWriteItemsOutput{}, f.transactErr
}

func TestItemRoundTrip(t *testing.T) {
	m := repotest.NewMemory(t, valueobjects.MemoryTypeEpisodic, "trip to the coast", "sea", "summer")
	_, err := m.Connect(valueobjects.NewMemoryID())
	require.NoError(t, err)
	m.RecordAccess(time.Now())

	av, err := attributevalue.MarshalMap(toItem(m))
	require.NoError(t, err)
	assert.IsType(t, &types.AttributeValueMemberSS{}, av["Tags"])

	var item memoryItem
	require.NoError(t, attributevalue.UnmarshalMap(av, &item))
	back, err := fromItem(item)
	require.NoError(t, err)

	assert.Equal(t, m.Snapshot().Tags, back.Snapshot().Tags)
	assert.Equal(t, m.Connections(), back.Connections())
	assert.Equal(t, m.Version(), back.Version())
	assert.Equal(t, 1, back.AccessCount())
	assert.True(t, m.Timestamp().Equal(back.Timestamp()))
}

func TestMemoryRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return not found for a missing item", func(t *testing.T) {
		repo := NewMemoryRepository(&fakeClient{}, "memories", nil)
		_, err := repo.Get(ctx, valueobjects.NewMemoryID())
		assert.True(t, pkgerrors.IsNotFound(err))
	})

	t.Run("Should decode a stored item", func(t *testing.T) {
		m := repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "stored")
		av, err := attributevalue.MarshalMap(toItem(m))
		require.NoError(t, err)

		repo := NewMemoryRepository(&fakeClient{getOut: &dynamodb.GetItemOutput{Item: av}}, "memories", nil)
		got, err := repo.Get(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, "stored", got.Content())
	})
}

func TestMemoryRepository_Transact(t *testing.T) {
	ctx := context.Background()

	t.Run("Should build one transaction for a connection pair", func(t *testing.T) {
		client := &fakeClient{}
		repo := NewMemoryRepository(client, "memories", nil)
		a := repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "a")
		b := repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "b")

		require.NoError(t, repo.Transact(ctx, ports.Transaction{Puts: []ports.Put{
			ports.PutVersioned(a, 1),
			{Memory: b, Condition: ports.PutIfNewer},
		}}))

		require.Len(t, client.transacts, 1)
		items := client.transacts[0].TransactItems
		require.Len(t, items, 2)
		require.NotNil(t, items[0].Update)
		assert.Contains(t, aws.ToString(items[0].Update.ConditionExpression), "attribute_exists")
		assert.Contains(t, aws.ToString(items[1].Update.ConditionExpression), "<")
	})

	t.Run("Should insert new memories with a not-exists guard", func(t *testing.T) {
		client := &fakeClient{}
		repo := NewMemoryRepository(client, "memories", nil)
		require.NoError(t, repo.Add(ctx, repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "new")))

		put := client.transacts[0].TransactItems[0].Put
		require.NotNil(t, put)
		assert.Contains(t, aws.ToString(put.ConditionExpression), "attribute_not_exists")
	})

	t.Run("Should map cancelled conditions to conflicts", func(t *testing.T) {
		client := &fakeClient{transactErr: &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("None")}, {Code: aws.String("ConditionalCheckFailed")}},
		}}
		repo := NewMemoryRepository(client, "memories", nil)

		err := repo.Update(ctx, repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "x"), 1)
		assert.True(t, pkgerrors.IsConflict(err))
	})

	t.Run("Should reject oversized transactions", func(t *testing.T) {
		repo := NewMemoryRepository(&fakeClient{}, "memories", nil)
		tx := ports.Transaction{}
		for i := 0; i <= maxTransactItems; i++ {
			tx.Deletes = append(tx.Deletes, ports.Delete{ID: valueobjects.NewMemoryID()})
		}
		assert.True(t, pkgerrors.IsValidation(repo.Transact(ctx, tx)))
	})
}

func TestMemoryRepository_RecordAccess(t *testing.T) {
	client := &fakeClient{updateErr: &types.ConditionalCheckFailedException{}}
	repo := NewMemoryRepository(client, "memories", nil)

	err := repo.RecordAccess(context.Background(), valueobjects.NewMemoryID(), time.Now())
	assert.True(t, pkgerrors.IsNotFound(err))
	require.Len(t, client.updates, 1)
	assert.Contains(t, aws.ToString(client.updates[0].UpdateExpression), "ADD")
}

func TestMemoryRepository_Scan(t *testing.T) {
	a := repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "a")
	b := repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "b")
	avA, err := attributevalue.MarshalMap(toItem(a))
	require.NoError(t, err)
	avB, err := attributevalue.MarshalMap(toItem(b))
	require.NoError(t, err)

	client := &fakeClient{scanPages: []*dynamodb.ScanOutput{
		{Items: []map[string]types.AttributeValue{avB}, LastEvaluatedKey: memoryKey(b.ID().String())},
		{Items: []map[string]types.AttributeValue{avA}},
	}}
	repo := NewMemoryRepository(client, "memories", nil)

	all, err := repo.FindByType(context.Background(), valueobjects.MemoryTypeDeclarative)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, client.scans)
	assert.Equal(t, a.ID(), all[0].ID(), "sorted by creation time")
}

func TestClassify(t *testing.T) {
	err := classify("get", &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Message: "slow down"})
	appErr := pkgerrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.ErrorTypeDatabase, appErr.Type)
	assert.Equal(t, "ProvisionedThroughputExceededException", appErr.Code)

	assert.True(t, pkgerrors.IsType(classify("get", errors.New("boom")), pkgerrors.ErrorTypeDatabase))
}
