// Package ddb implements the manifest CURRENT pointer on DynamoDB.
//
// Object stores replace blobs atomically but cannot compare-and-swap,
// so a dataset with several publishers keeps its pointer in a DynamoDB
// item instead. The swap is a conditional put on the revision
// attribute; a publisher working from a stale revision fails with
// manifest.ErrRevisionConflict and retries from the new one.
//
// Table schema: partition key "dataset" (string). Create with:
//
//	aws dynamodb create-table \
//	  --table-name ivfgo-manifests \
//	  --attribute-definitions AttributeName=dataset,AttributeType=S \
//	  --key-schema AttributeName=dataset,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package ddb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/ivfgo/manifest"
)

// Client is the subset of the DynamoDB API the pointer needs.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Pointer stores the live manifest name in one DynamoDB item per
// dataset.
type Pointer struct {
	client  Client
	table   string
	dataset string
}

var _ manifest.PointerStore = (*Pointer)(nil)

// NewPointer creates a pointer for one dataset. The dataset key is
// typically the store URI, e.g. "s3://bucket/prefix".
func NewPointer(client Client, table, dataset string) *Pointer {
	return &Pointer{client: client, table: table, dataset: dataset}
}

// Current implements manifest.PointerStore.
func (p *Pointer) Current(ctx context.Context) (string, uint64, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key: map[string]types.AttributeValue{
			"dataset": &types.AttributeValueMemberS{Value: p.dataset},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", 0, fmt.Errorf("manifest pointer: get item: %w", err)
	}
	if out.Item == nil {
		return "", 0, nil
	}

	nameAttr, ok := out.Item["name"].(*types.AttributeValueMemberS)
	if !ok {
		return "", 0, errors.New("manifest pointer: item has no name attribute")
	}
	revAttr, ok := out.Item["revision"].(*types.AttributeValueMemberN)
	if !ok {
		return "", 0, errors.New("manifest pointer: item has no revision attribute")
	}
	rev, err := strconv.ParseUint(revAttr.Value, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("manifest pointer: parse revision: %w", err)
	}
	return nameAttr.Value, rev, nil
}

// Swap implements manifest.PointerStore. Swapping from revision zero
// requires that no item exists yet; any later swap requires the stored
// revision to still be expected.
func (p *Pointer) Swap(ctx context.Context, name string, expected uint64) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]types.AttributeValue{
			"dataset":  &types.AttributeValueMemberS{Value: p.dataset},
			"name":     &types.AttributeValueMemberS{Value: name},
			"revision": &types.AttributeValueMemberN{Value: strconv.FormatUint(expected+1, 10)},
		},
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(dataset)")
	} else {
		in.ConditionExpression = aws.String("revision = :expected")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatUint(expected, 10)},
		}
	}

	if _, err := p.client.PutItem(ctx, in); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return manifest.ErrRevisionConflict
		}
		return fmt.Errorf("manifest pointer: put item: %w", err)
	}
	return nil
}
