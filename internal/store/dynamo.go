package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix      = "PROJECT#"
	skPlatform    = "PLATFORM#"
	skIdempotency = "IDEMPOTENCY#"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements ProjectStore and IdempotencyStore on DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface checks.
var (
	_ ProjectStore     = (*DynamoStore)(nil)
	_ IdempotencyStore = (*DynamoStore)(nil)
)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// --- Internal helpers ---

func projectPK(projectID string) string {
	return pkPrefix + projectID
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// queryBySKPrefix queries all items of a project whose SK begins with prefix.
func (s *DynamoStore) queryBySKPrefix(ctx context.Context, projectID, skPrefix string) ([]map[string]types.AttributeValue, error) {
	pk := projectPK(projectID)

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue

	// Handle pagination — DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allItems, nil
}

// --- Project configuration ---

// PutPlatform creates or replaces one platform config of a project.
func (s *DynamoStore) PutPlatform(ctx context.Context, projectID string, cfg PlatformConfig) error {
	cfg.Platform = strings.ToLower(cfg.Platform)
	item, err := attributevalue.MarshalMap(cfg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pk, sk := projectPK(projectID), skPlatform+cfg.Platform
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

func (s *DynamoStore) ListPlatforms(ctx context.Context, projectID string) ([]PlatformConfig, error) {
	items, err := s.queryBySKPrefix(ctx, projectID, skPlatform)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	platforms := make([]PlatformConfig, 0, len(items))
	for _, item := range items {
		var cfg PlatformConfig
		if err := attributevalue.UnmarshalMap(item, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal platform config: %w", err)
		}
		platforms = append(platforms, cfg)
	}
	sortPlatforms(platforms)
	return platforms, nil
}

func (s *DynamoStore) GetPlatform(ctx context.Context, projectID, platform string) (*PlatformConfig, error) {
	pk, sk := projectPK(projectID), skPlatform+strings.ToLower(platform)
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       keyOf(pk, sk),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("project %s platform %s: %w", projectID, platform, ErrNotFound)
	}
	var cfg PlatformConfig
	if err := attributevalue.UnmarshalMap(result.Item, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return &cfg, nil
}

// --- Idempotency ---

type idempotencyRecord struct {
	TraceID   string `dynamodbav:"traceId"`
	CreatedAt int64  `dynamodbav:"createdAt"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

// Claim writes the key with a conditional put. A key that already exists and
// has not expired resolves to its recorded trace.
func (s *DynamoStore) Claim(ctx context.Context, projectID, key, traceID string) (string, bool, error) {
	now := s.now()
	pk, sk := projectPK(projectID), skIdempotency+key
	item, err := attributevalue.MarshalMap(idempotencyRecord{
		TraceID:   traceID,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(IdempotencyTTL).Unix(),
	})
	if err != nil {
		return "", false, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err == nil {
		return traceID, true, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return "", false, fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	var rec idempotencyRecord
	if result.Item == nil {
		return "", false, fmt.Errorf("idempotency key %s vanished after conflict", key)
	}
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return "", false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	log.Debug().Str("projectId", projectID).Str("traceId", rec.TraceID).Msg("Idempotency key already claimed")
	return rec.TraceID, false, nil
}
