package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/promptreel/creditflow/internal/aws"
)

// Store is the credit ledger service over the users table. All mutations go
// through conditional writes so that concurrent processes cannot interleave
// a read-modify-write.
type Store struct {
	client           aws.DynamoDBAPI
	tableName        string
	bootstrapCredits int64 // granted when a user record is first created
	nowFunc          func() time.Time
}

// NewStore returns a configured ledger Store.
func NewStore(client aws.DynamoDBAPI, tableName string, bootstrapCredits int64) *Store {
	return &Store{
		client:           client,
		tableName:        tableName,
		bootstrapCredits: bootstrapCredits,
		nowFunc:          time.Now,
	}
}

// Reserve atomically deducts cost from the user's balance. Returns
// (true, nil) when the deduction committed, (false, nil) when the balance is
// insufficient (nothing deducted), and (false, err) on store failure.
// A user with no record yet is bootstrapped first; losing that create race
// to another request is fine, the decrement below still applies exactly once.
func (s *Store) Reserve(ctx context.Context, userID string, cost int64) (bool, error) {
	if cost <= 0 {
		return false, fmt.Errorf("invalid reserve cost %d for user %s", cost, userID)
	}

	if err := s.ensureAccount(ctx, userID); err != nil {
		return false, err
	}

	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: awsString("SET credits = credits - :cost, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cost": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cost)},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		// The guard: never let a reservation push the balance negative.
		ConditionExpression: awsString("credits >= :cost"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// insufficient funds: an expected outcome, not an error
			return false, nil
		}
		return false, fmt.Errorf("reserve update: %w", err)
	}
	return true, nil
}

// Refund atomically credits amount back to the user. The write is an upsert
// increment so a refund landing before the bootstrap record exists still
// counts. Failures must not be dropped by callers: hand off to the refund
// failure store when this returns an error.
func (s *Store) Refund(ctx context.Context, userID string, amount int64, opts RefundOpts) error {
	if amount <= 0 {
		return fmt.Errorf("invalid refund amount %d for user %s", amount, userID)
	}

	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: awsString("SET credits = if_not_exists(credits, :zero) + :amount, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":   &types.AttributeValueMemberN{Value: "0"},
			":amount": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", amount)},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("refund update: %w", err)
	}

	log.Printf("[ledger] refunded user=%s amount=%d refund_key=%s reason=%q",
		userID, amount, opts.RefundKey, opts.Reason)
	return nil
}

// GetBalance returns the user's current credit balance. A user with no
// record reads as 0 (not yet bootstrapped).
func (s *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return 0, nil
	}
	var acct Account
	if err := attributevalue.UnmarshalMap(out.Item, &acct); err != nil {
		return 0, fmt.Errorf("unmarshal account: %w", err)
	}
	return acct.Credits, nil
}

// ensureAccount creates the bootstrap record if the user has none.
// A lost create race (record already exists) is not an error.
func (s *Store) ensureAccount(ctx context.Context, userID string) error {
	now := s.nowFunc()
	acct := Account{
		UserID:    userID,
		Credits:   s.bootstrapCredits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item, err := attributevalue.MarshalMap(acct)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(user_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("bootstrap account: %w", err)
	}

	log.Printf("[ledger] bootstrapped user=%s credits=%d", userID, s.bootstrapCredits)
	return nil
}

func awsString(s string) *string { return &s }
