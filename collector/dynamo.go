package collector

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps records in a DynamoDB table keyed by "hash".
type DynamoStore struct {
	Client    DynamoAPI
	TableName string
}

func (s *DynamoStore) Put(ctx context.Context, records []Record) error {
	for _, r := range records {
		item, err := attributevalue.MarshalMap(r)
		if err != nil {
			return fmt.Errorf("marshal measurement %d: %w", r.TimeS, err)
		}
		_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.TableName),
			Item:      item,
		})
		if err != nil {
			return fmt.Errorf("put measurement %d: %w", r.TimeS, err)
		}
	}
	return nil
}

func (s *DynamoStore) List(ctx context.Context) ([]Record, error) {
	var (
		records []Record
		start   map[string]types.AttributeValue
	)
	for {
		out, err := s.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.TableName),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan measurements: %w", err)
		}
		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal measurements: %w", err)
		}
		records = append(records, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	slices.SortFunc(records, func(a, b Record) int { return cmp.Compare(a.TimeS, b.TimeS) })
	return records, nil
}
