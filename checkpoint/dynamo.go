package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const DefaultRegion = "us-east-2"

type dynamoItem struct {
	Run     string
	Step    int64
	SavedAt int64
	Payload []byte
}

// DynamoStore keeps checkpoints in a DynamoDB table keyed by (Run, Step).
type DynamoStore struct {
	region   string
	endpoint string
	table    string

	mu     sync.RWMutex
	client *dynamodb.Client
}

func NewDynamoStore(region, endpoint, table string) *DynamoStore {
	if region == "" {
		region = DefaultRegion
	}
	return &DynamoStore{region: region, endpoint: endpoint, table: table}
}

func (s *DynamoStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(s.region)}
	if key, secret := os.Getenv("CHECKPOINT_AWS_ACCESS_KEY_ID"), os.Getenv("CHECKPOINT_AWS_SECRET_ACCESS_KEY"); key != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if s.endpoint != "" {
			o.EndpointResolver = dynamodb.EndpointResolverFromURL(s.endpoint)
		}
	})

	if err := s.ensureTable(ctx, client); err != nil {
		return err
	}
	s.client = client
	return nil
}

func (s *DynamoStore) ensureTable(ctx context.Context, client *dynamodb.Client) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return err
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("Run"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("Step"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("Run"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("Step"), KeyType: types.KeyTypeRange},
		},
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	w := dynamodb.NewTableExistsWaiter(client)
	return w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute)
}

func (s *DynamoStore) getClient() (*dynamodb.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errors.New("checkpoint store is not initialized")
	}
	return s.client, nil
}

func (s *DynamoStore) Save(ctx context.Context, c Checkpoint) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	payload, err := Encode(c)
	if err != nil {
		return err
	}

	// clear later checkpoints of the same run
	out, err := client.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#r = :r AND #s >= :s"),
		ExpressionAttributeNames: map[string]string{"#r": "Run", "#s": "Step"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberS{Value: c.Run},
			":s": &types.AttributeValueMemberN{Value: strconv.FormatUint(c.Step, 10)},
		},
		ProjectionExpression: aws.String("#r, #s"),
	})
	if err != nil {
		return err
	}
	for _, item := range out.Items {
		if _, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       map[string]types.AttributeValue{"Run": item["Run"], "Step": item["Step"]},
		}); err != nil {
			return err
		}
	}

	av, err := attributevalue.MarshalMap(dynamoItem{
		Run:     c.Run,
		Step:    int64(c.Step),
		SavedAt: c.SavedAt.UnixNano(),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	_, err = client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av})
	return err
}

func (s *DynamoStore) Latest(ctx context.Context, run string) (Checkpoint, bool, error) {
	client, err := s.getClient()
	if err != nil {
		return Checkpoint{}, false, err
	}
	out, err := client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String("#r = :r"),
		ExpressionAttributeNames:  map[string]string{"#r": "Run"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":r": &types.AttributeValueMemberS{Value: run}},
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(out.Items) == 0 {
		return Checkpoint{}, false, nil
	}
	return decodeItem(out.Items[0])
}

func (s *DynamoStore) Get(ctx context.Context, run string, step uint64) (Checkpoint, bool, error) {
	client, err := s.getClient()
	if err != nil {
		return Checkpoint{}, false, err
	}
	out, err := client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"Run":  &types.AttributeValueMemberS{Value: run},
			"Step": &types.AttributeValueMemberN{Value: strconv.FormatUint(step, 10)},
		},
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	if out.Item == nil {
		return Checkpoint{}, false, nil
	}
	return decodeItem(out.Item)
}

func decodeItem(av map[string]types.AttributeValue) (Checkpoint, bool, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return Checkpoint{}, false, err
	}
	c, err := Decode(item.Payload)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

func (s *DynamoStore) Close() error {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	return nil
}
