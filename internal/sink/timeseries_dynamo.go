package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

// Sort key prefixes. Raw points and rollups of a source share a partition.
const (
	dynamoRawPrefix    = "raw#"
	dynamoRollupPrefix = "rollup#"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoTimeseries.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential chain. endpoint, when
// set, points the client at DynamoDB Local.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	if region == "" {
		region = "eu-central-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type dynamoPoint struct {
	PK         string             `dynamodbav:"pk"`
	SK         string             `dynamodbav:"sk"`
	DedupKey   string             `dynamodbav:"dedup_key"`
	ObservedAt time.Time          `dynamodbav:"observed_at"`
	Values     map[string]float64 `dynamodbav:"values"`
	ExpiresAt  int64              `dynamodbav:"expires_at"`
}

// DynamoTimeseries writes points to a DynamoDB table with key (pk, sk) and a TTL attribute
// named expires_at.
type DynamoTimeseries struct {
	db        DynamoAPI
	table     string
	retention Retention
	clock     clock.Clock
}

// NewDynamoTimeseries creates a store on table.
func NewDynamoTimeseries(db DynamoAPI, table string, retention Retention, clk clock.Clock) *DynamoTimeseries {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &DynamoTimeseries{db: db, table: table, retention: retention.withDefaults(), clock: clk}
}

// Write implements TimeseriesStore. The raw item is overwritten on its natural key; the rollup
// item records one temperature per dedup key.
func (s *DynamoTimeseries) Write(ctx context.Context, r models.Reading) (err error) {
	start := time.Now()
	defer func() { observe(NameTimeseries, start, err) }()

	p := pointFrom(r)
	item, err := attributevalue.MarshalMap(dynamoPoint{
		PK:         p.SourceID,
		SK:         dynamoRawPrefix + p.ObservedAt.Format(time.RFC3339),
		DedupKey:   p.DedupKey,
		ObservedAt: p.ObservedAt,
		Values:     p.Values,
		ExpiresAt:  p.ObservedAt.Add(s.retention.Raw).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}
	if _, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put point: %w", err)
	}

	temp, ok := p.Values[models.PayloadTemperature]
	if !ok {
		return nil
	}
	bucket := s.retention.bucket(p.ObservedAt)
	if !bucket.Add(s.retention.Resolution + s.retention.Rollup).After(s.clock.Now()) {
		return nil
	}
	return s.updateRollup(ctx, p, bucket, temp)
}

func (s *DynamoTimeseries) updateRollup(ctx context.Context, p Point, bucket time.Time, temp float64) error {
	key := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: p.SourceID},
		"sk": &types.AttributeValueMemberS{Value: dynamoRollupPrefix + bucket.Format(time.RFC3339)},
	}
	expires := bucket.Add(s.retention.Resolution + s.retention.Rollup).Unix()

	// A nested SET needs the parent map to exist, so the bucket is initialised first.
	if _, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              key,
		UpdateExpression: aws.String("SET readings = if_not_exists(readings, :empty), bucket_start = :b, expires_at = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
			":b":     &types.AttributeValueMemberS{Value: bucket.Format(time.RFC3339)},
			":e":     &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
		},
	}); err != nil {
		return fmt.Errorf("init rollup: %w", err)
	}

	if _, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      key,
		UpdateExpression:         aws.String("SET readings.#k = :t"),
		ExpressionAttributeNames: map[string]string{"#k": p.DedupKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberN{Value: strconv.FormatFloat(temp, 'f', -1, 64)},
		},
	}); err != nil {
		return fmt.Errorf("update rollup: %w", err)
	}
	return nil
}
