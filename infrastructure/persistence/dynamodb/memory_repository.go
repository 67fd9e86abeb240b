package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

const (
	entityTypeMemory = "MEMORY"
	metadataSK       = "METADATA"

	// TransactWriteItems accepts at most 100 actions
	maxTransactItems = 100
)

// API is the subset of the DynamoDB client the repository uses
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// memoryItem is the single-table layout of a memory
type memoryItem struct {
	PK           string   `dynamodbav:"PK"`
	SK           string   `dynamodbav:"SK"`
	EntityType   string   `dynamodbav:"EntityType"`
	MemoryID     string   `dynamodbav:"MemoryID"`
	Type         string   `dynamodbav:"Type"`
	Content      string   `dynamodbav:"Content"`
	Tags         []string `dynamodbav:"Tags,stringset,omitempty"`
	Energy       float64  `dynamodbav:"Energy"`
	Resonance    float64  `dynamodbav:"Resonance"`
	Connections  []string `dynamodbav:"Connections,stringset,omitempty"`
	CreatedAt    string   `dynamodbav:"CreatedAt"`
	Version      int      `dynamodbav:"Version"`
	AccessCount  int      `dynamodbav:"AccessCount"`
	LastAccessed string   `dynamodbav:"LastAccessed,omitempty"`
}

// MemoryRepository persists memories in a DynamoDB table using conditional
// writes for version checks and TransactWriteItems for multi-memory writes
type MemoryRepository struct {
	client    API
	tableName string
	logger    *zap.Logger
}

var _ ports.MemoryRepository = (*MemoryRepository)(nil)

func NewMemoryRepository(client API, tableName string, logger *zap.Logger) *MemoryRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRepository{client: client, tableName: tableName, logger: logger}
}

func memoryKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "MEMORY#" + id},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

func toItem(m *entities.Memory) memoryItem {
	s := m.Snapshot()
	item := memoryItem{
		PK:          "MEMORY#" + s.ID.String(),
		SK:          metadataSK,
		EntityType:  entityTypeMemory,
		MemoryID:    s.ID.String(),
		Type:        string(s.Type),
		Content:     s.Content,
		Tags:        s.Tags,
		Energy:      s.Energy,
		Resonance:   s.Resonance,
		CreatedAt:   s.Timestamp.UTC().Format(time.RFC3339Nano),
		Version:     s.Version,
		AccessCount: s.AccessCount,
	}
	for _, c := range s.Connections {
		item.Connections = append(item.Connections, c.String())
	}
	if s.LastAccessed != nil {
		item.LastAccessed = s.LastAccessed.UTC().Format(time.RFC3339Nano)
	}
	return item
}

func fromItem(item memoryItem) (*entities.Memory, error) {
	id, err := valueobjects.NewMemoryIDFromString(item.MemoryID)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid CreatedAt: %w", err)
	}
	snap := entities.MemorySnapshot{
		ID:          id,
		Type:        valueobjects.MemoryType(item.Type),
		Content:     item.Content,
		Tags:        item.Tags,
		Energy:      item.Energy,
		Resonance:   item.Resonance,
		Timestamp:   createdAt,
		Version:     item.Version,
		AccessCount: item.AccessCount,
	}
	for _, c := range item.Connections {
		peer, err := valueobjects.NewMemoryIDFromString(c)
		if err != nil {
			return nil, err
		}
		snap.Connections = append(snap.Connections, peer)
	}
	if item.LastAccessed != "" {
		t, err := time.Parse(time.RFC3339Nano, item.LastAccessed)
		if err != nil {
			return nil, fmt.Errorf("invalid LastAccessed: %w", err)
		}
		snap.LastAccessed = &t
	}
	return entities.ReconstructMemory(snap), nil
}

func (r *MemoryRepository) Get(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            memoryKey(id.String()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get memory", err)
	}
	if out.Item == nil {
		return nil, pkgerrors.NewNotFoundError("memory " + id.String())
	}

	var item memoryItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, pkgerrors.NewDatabaseError("unmarshal memory", err)
	}
	m, err := fromItem(item)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("decode memory", err)
	}
	return m, nil
}

func (r *MemoryRepository) Add(ctx context.Context, memory *entities.Memory) error {
	return r.Transact(ctx, ports.Transaction{
		Puts: []ports.Put{{Memory: memory, Condition: ports.PutIfAbsent}},
	})
}

func (r *MemoryRepository) Update(ctx context.Context, memory *entities.Memory, expectedVersion int) error {
	return r.Transact(ctx, ports.Transaction{
		Puts: []ports.Put{ports.PutVersioned(memory, expectedVersion)},
	})
}

func (r *MemoryRepository) Delete(ctx context.Context, id valueobjects.MemoryID) error {
	return r.Transact(ctx, ports.Transaction{
		Deletes: []ports.Delete{{ID: id}},
	})
}

// Transact writes all puts and deletes as one TransactWriteItems call
func (r *MemoryRepository) Transact(ctx context.Context, tx ports.Transaction) error {
	if tx.IsEmpty() {
		return nil
	}
	if n := len(tx.Puts) + len(tx.Deletes); n > maxTransactItems {
		return pkgerrors.NewValidationError(fmt.Sprintf("transaction has %d items, limit is %d", n, maxTransactItems))
	}

	items := make([]types.TransactWriteItem, 0, len(tx.Puts)+len(tx.Deletes))
	for _, put := range tx.Puts {
		item, err := r.buildPut(put)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	for _, del := range tx.Deletes {
		item, err := r.buildDelete(del)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return classify("transact memories", err)
	}

	r.logger.Debug("Memories written",
		zap.Int("puts", len(tx.Puts)),
		zap.Int("deletes", len(tx.Deletes)),
	)
	return nil
}

func (r *MemoryRepository) buildPut(put ports.Put) (types.TransactWriteItem, error) {
	if put.Memory == nil {
		return types.TransactWriteItem{}, pkgerrors.NewValidationError("put without memory")
	}
	item := toItem(put.Memory)

	if put.Condition == ports.PutIfAbsent {
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return types.TransactWriteItem{}, pkgerrors.NewDatabaseError("marshal memory", err)
		}
		expr, err := expression.NewBuilder().
			WithCondition(expression.Name("PK").AttributeNotExists()).
			Build()
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("failed to build expression: %w", err)
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(r.tableName),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}}, nil
	}

	// Existing memories are updated in place so access statistics recorded
	// by other instances survive the write
	update := expression.
		Set(expression.Name("Type"), expression.Value(item.Type)).
		Set(expression.Name("Content"), expression.Value(item.Content)).
		Set(expression.Name("Energy"), expression.Value(item.Energy)).
		Set(expression.Name("Resonance"), expression.Value(item.Resonance)).
		Set(expression.Name("Version"), expression.Value(item.Version))
	update = setOrRemoveSet(update, "Tags", item.Tags)
	update = setOrRemoveSet(update, "Connections", item.Connections)

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(putCondition(put)).
		Build()
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("failed to build expression: %w", err)
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(r.tableName),
		Key:                       memoryKey(item.MemoryID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

func putCondition(put ports.Put) expression.ConditionBuilder {
	exists := expression.Name("PK").AttributeExists()
	if put.Condition == ports.PutIfNewer {
		return exists.And(expression.Name("Version").LessThan(expression.Value(put.Memory.Version())))
	}
	return exists.And(expression.Name("Version").Equal(expression.Value(put.ExpectedVersion)))
}

func setOrRemoveSet(update expression.UpdateBuilder, name string, values []string) expression.UpdateBuilder {
	if len(values) == 0 {
		// DynamoDB rejects empty sets
		return update.Remove(expression.Name(name))
	}
	return update.Set(expression.Name(name), expression.Value(stringSet(values)))
}

// stringSet marshals as a DynamoDB string set rather than a list
type stringSet []string

func (s stringSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberSS{Value: s}, nil
}

func (r *MemoryRepository) buildDelete(del ports.Delete) (types.TransactWriteItem, error) {
	d := &types.Delete{
		TableName: aws.String(r.tableName),
		Key:       memoryKey(del.ID.String()),
	}
	if del.ExpectedVersion != 0 {
		cond := expression.Name("PK").AttributeNotExists().
			Or(expression.Name("Version").Equal(expression.Value(del.ExpectedVersion)))
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("failed to build expression: %w", err)
		}
		d.ConditionExpression = expr.Condition()
		d.ExpressionAttributeNames = expr.Names()
		d.ExpressionAttributeValues = expr.Values()
	}
	return types.TransactWriteItem{Delete: d}, nil
}

func (r *MemoryRepository) RecordAccess(ctx context.Context, id valueobjects.MemoryID, at time.Time) error {
	update := expression.
		Add(expression.Name("AccessCount"), expression.Value(1)).
		Set(expression.Name("LastAccessed"), expression.Value(at.UTC().Format(time.RFC3339Nano)))
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.Name("PK").AttributeExists()).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       memoryKey(id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return pkgerrors.NewNotFoundError("memory " + id.String())
		}
		return classify("record access", err)
	}
	return nil
}

func (r *MemoryRepository) FindByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error) {
	cond := expression.Name("Type").Equal(expression.Value(string(memType)))
	return r.scan(ctx, &cond)
}

func (r *MemoryRepository) FindByTag(ctx context.Context, tag string) ([]*entities.Memory, error) {
	cond := expression.Name("Tags").Contains(tag)
	return r.scan(ctx, &cond)
}

func (r *MemoryRepository) List(ctx context.Context) ([]*entities.Memory, error) {
	return r.scan(ctx, nil)
}

func (r *MemoryRepository) scan(ctx context.Context, extra *expression.ConditionBuilder) ([]*entities.Memory, error) {
	filter := expression.Name("EntityType").Equal(expression.Value(entityTypeMemory))
	if extra != nil {
		filter = filter.And(*extra)
	}
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:                 aws.String(r.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	out := make([]*entities.Memory, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("scan memories", err)
		}
		var items []memoryItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, pkgerrors.NewDatabaseError("unmarshal memories", err)
		}
		for _, item := range items {
			m, err := fromItem(item)
			if err != nil {
				r.logger.Warn("Failed to parse memory item", zap.String("pk", item.PK), zap.Error(err))
				continue
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp().Before(out[j].Timestamp()) })
	return out, nil
}

func (r *MemoryRepository) Close() error { return nil }

// classify maps DynamoDB failures onto application errors. Failed write
// conditions become conflicts so the store's optimistic retry sees them.
func classify(operation string, err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return pkgerrors.NewConflictError(operation + ": write condition failed").WithCause(err)
			}
		}
		return pkgerrors.NewDatabaseError(operation, err)
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return pkgerrors.NewConflictError(operation + ": write condition failed").WithCause(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return pkgerrors.NewDatabaseError(operation, err).WithCode(apiErr.ErrorCode())
	}
	return pkgerrors.NewDatabaseError(operation, err)
}
