package cache

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// dynamoItem is the stored row. The partition key attribute is "p".
type dynamoItem struct {
	Key   string `dynamodbav:"p"`
	Value []byte `dynamodbav:"v"`
}

type dynamoCache struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

func (d dynamoCache) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"p": {
				S: aws.String(key),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error calling GetItem: %w", err)
	}

	if output.Item == nil {
		return nil, nil
	}

	item := dynamoItem{}
	err = dynamodbattribute.UnmarshalMap(output.Item, &item)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling cached item: %w", err)
	}

	return item.Value, nil
}

func (d dynamoCache) Set(ctx context.Context, key string, value []byte) error {
	marshalled, err := dynamodbattribute.MarshalMap(dynamoItem{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("error marshalling Dynamo item: %w", err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      marshalled,
	})
	if err != nil {
		return fmt.Errorf("error calling PutItem: %w", err)
	}

	return nil
}

func NewDynamoDBCache(client dynamodbiface.DynamoDBAPI, tableName string) Cache {
	return dynamoCache{
		client:    client,
		tableName: tableName,
	}
}
