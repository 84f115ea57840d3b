package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/eduhub/eduhub/internal/models"
	"github.com/sirupsen/logrus"
)

// DynamoDBAPI is the part of *dynamodb.Client the OTP repository uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// OTPRepository stores email OTP records in a single DynamoDB table under
// PK "EMAIL_OTP#<email>", SK "METADATA". TTL is set past the code expiry so
// DynamoDB evicts stale records on its own.
type OTPRepository struct {
	client    DynamoDBAPI
	tableName string
	retention time.Duration
	logger    *logrus.Logger
}

type otpItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Email       string `dynamodbav:"Email"`
	Code        string `dynamodbav:"Code"`
	Attempts    int    `dynamodbav:"Attempts"`
	Consumed    bool   `dynamodbav:"Consumed"`
	CreatedAt   string `dynamodbav:"CreatedAt"`
	ExpiresAt   string `dynamodbav:"ExpiresAt"`
	ExpiresAtMs int64  `dynamodbav:"ExpiresAtMs"`
	TTL         int64  `dynamodbav:"TTL"`
}

func NewOTPRepository(client DynamoDBAPI, tableName string, retention time.Duration, logger *logrus.Logger) *OTPRepository {
	return &OTPRepository{
		client:    client,
		tableName: tableName,
		retention: retention,
		logger:    logger,
	}
}

func otpKey(email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("EMAIL_OTP#%s", email)},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// Get retrieves the OTP record for email
func (r *OTPRepository) Get(ctx context.Context, email string) (*models.OTPRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            otpKey(email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var item otpItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP record: %w", err)
	}

	rec := &models.OTPRecord{
		Email:    item.Email,
		Code:     item.Code,
		Attempts: item.Attempts,
		Consumed: item.Consumed,
	}
	if item.ExpiresAtMs > 0 {
		rec.ExpiresAt = time.UnixMilli(item.ExpiresAtMs).UTC()
	}
	if createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt); err == nil {
		rec.CreatedAt = createdAt
	}

	return rec, nil
}

// Upsert overwrites the OTP record for rec.Email
func (r *OTPRepository) Upsert(ctx context.Context, rec models.OTPRecord) error {
	key := otpKey(rec.Email)
	item := otpItem{
		PK:          key["PK"].(*types.AttributeValueMemberS).Value,
		SK:          key["SK"].(*types.AttributeValueMemberS).Value,
		Email:       rec.Email,
		Code:        rec.Code,
		Attempts:    rec.Attempts,
		Consumed:    rec.Consumed,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:   rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		ExpiresAtMs: rec.ExpiresAt.UnixMilli(),
		TTL:         rec.ExpiresAt.Add(r.retention).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP record: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP in DynamoDB")
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	return nil
}

// Delete removes the OTP record for email
func (r *OTPRepository) Delete(ctx context.Context, email string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       otpKey(email),
	})
	if err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}

	return nil
}

func (r *OTPRepository) IncrementAttempts(ctx context.Context, email string, maxAttempts int) (int, error) {
	result, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 otpKey(email),
		UpdateExpression:    aws.String("SET Attempts = Attempts + :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND Attempts < :max"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":max": &types.AttributeValueMemberN{Value: strconv.Itoa(maxAttempts)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return 0, ErrConditionFailed
		}
		r.logger.WithError(err).Error("Failed to increment OTP attempts in DynamoDB")
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	var attempts int
	if err := attributevalue.Unmarshal(result.Attributes["Attempts"], &attempts); err != nil {
		return 0, fmt.Errorf("failed to unmarshal OTP attempts: %w", err)
	}

	return attempts, nil
}

func (r *OTPRepository) Consume(ctx context.Context, email, code string, maxAttempts int, now time.Time) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       otpKey(email),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND Code = :code AND Attempts < :max AND Consumed = :false AND ExpiresAtMs >= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":code":  &types.AttributeValueMemberS{Value: code},
			":max":   &types.AttributeValueMemberN{Value: strconv.Itoa(maxAttempts)},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		r.logger.WithError(err).Error("Failed to consume OTP in DynamoDB")
		return fmt.Errorf("failed to consume OTP: %w", err)
	}

	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
