package refundq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/promptreel/creditflow/internal/aws"
)

// ErrNotProcessing indicates a release was attempted on a record no longer
// owned by the caller (status changed underneath it).
var ErrNotProcessing = errors.New("record is not in PROCESSING status")

// Store is the durable queue of refunds that failed synchronously. All
// transitions are conditional writes, so two sweeper instances can never both
// own the same record.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore returns a Store over the refund failures table.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// UpsertFailure records a refund that failed synchronously. A new key is
// created as PENDING with attempts=0. A key that already RESOLVED is left
// alone: duplicate failure reports must not resurrect completed work. Any
// other existing record has its payload overwritten and its status reset to
// PENDING; attempts survive so the escalation cap still applies.
func (s *Store) UpsertFailure(ctx context.Context, rec RefundFailure) error {
	if rec.RefundKey == "" {
		return errors.New("refund key is required")
	}
	now := s.nowFunc().UTC()

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"refund_key": &types.AttributeValueMemberS{Value: rec.RefundKey},
		},
		UpdateExpression: awsString("SET user_id = :uid, amount = :amt, reason = :rsn, " +
			"#s = :pending, attempts = if_not_exists(attempts, :zero), last_error = :le, " +
			"created_at = if_not_exists(created_at, :now), updated_at = :now"),
		ConditionExpression:      awsString("attribute_not_exists(refund_key) OR #s <> :resolved"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":      &types.AttributeValueMemberS{Value: rec.UserID},
			":amt":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.Amount)},
			":rsn":      &types.AttributeValueMemberS{Value: rec.Reason},
			":pending":  &types.AttributeValueMemberS{Value: StatusPending},
			":resolved": &types.AttributeValueMemberS{Value: StatusResolved},
			":zero":     &types.AttributeValueMemberN{Value: "0"},
			":le":       &types.AttributeValueMemberS{Value: rec.LastError},
			":now":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			// already resolved: no-op
			return nil
		}
		return fmt.Errorf("upsert refund failure: %w", err)
	}
	return nil
}

// Get retrieves a refund failure record by key. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, refundKey string) (*RefundFailure, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"refund_key": &types.AttributeValueMemberS{Value: refundKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec RefundFailure
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// ClaimNextPending scans up to scanLimit items for PENDING records and tries
// to claim the oldest-updated one: a conditional PENDING -> PROCESSING
// transition guarded on the updated_at we observed, so concurrent claimants
// get at most one winner per record. Candidates that already burned
// maxAttempts are escalated in place and skipped. Returns (nil, nil) when
// nothing is claimable.
func (s *Store) ClaimNextPending(ctx context.Context, maxAttempts, scanLimit int) (*RefundFailure, error) {
	limit := int32(scanLimit)
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:                &s.tableName,
		Limit:                    &limit,
		FilterExpression:         awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}

	var candidates []RefundFailure
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &candidates); err != nil {
		return nil, fmt.Errorf("unmarshal candidates: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	for i := range candidates {
		cand := candidates[i]

		if cand.Attempts >= maxAttempts {
			// exhausted before it could even be claimed; park it for a human
			if err := s.MarkEscalated(ctx, cand.RefundKey, "max attempts exhausted"); err != nil {
				log.Printf("[refundq] escalate during claim refund_key=%s: %v", cand.RefundKey, err)
			}
			continue
		}

		claimed, err := s.tryClaim(ctx, cand)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		// lost the race for this record; try the next candidate
	}
	return nil, nil
}

func (s *Store) tryClaim(ctx context.Context, cand RefundFailure) (*RefundFailure, error) {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"refund_key": &types.AttributeValueMemberS{Value: cand.RefundKey},
		},
		UpdateExpression: awsString("SET #s = :processing, processing_started_at = :now, updated_at = :now"),
		// Re-read guard: the record must still be PENDING and unchanged since
		// we scanned it. Equivalent to a transactional re-read.
		ConditionExpression:      awsString("#s = :pending AND updated_at = :seen"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":seen":       &types.AttributeValueMemberS{Value: cand.UpdatedAt.Format(time.RFC3339Nano)},
			":now":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return nil, nil
		}
		return nil, fmt.Errorf("claim update: %w", err)
	}

	cand.Status = StatusProcessing
	cand.ProcessingStartedAt = &now
	cand.UpdatedAt = now
	return &cand, nil
}

// MarkResolved is the terminal success transition: any status -> RESOLVED.
func (s *Store) MarkResolved(ctx context.Context, refundKey string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"refund_key": &types.AttributeValueMemberS{Value: refundKey},
		},
		UpdateExpression:         awsString("SET #s = :resolved, resolved_at = :now, updated_at = :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":resolved": &types.AttributeValueMemberS{Value: StatusResolved},
			":now":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	return nil
}

// ReleaseForRetry returns a claimed record to the queue: PROCESSING ->
// PENDING with attempts bumped and the failure recorded.
func (s *Store) ReleaseForRetry(ctx context.Context, refundKey, lastError string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"refund_key": &types.AttributeValueMemberS{Value: refundKey},
		},
		UpdateExpression: awsString("SET #s = :pending, attempts = if_not_exists(attempts, :zero) + :one, " +
			"last_error = :le, updated_at = :now"),
		ConditionExpression:      awsString("#s = :processing"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":zero":       &types.AttributeValueMemberN{Value: "0"},
			":one":        &types.AttributeValueMemberN{Value: "1"},
			":le":         &types.AttributeValueMemberS{Value: lastError},
			":now":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return ErrNotProcessing
		}
		return fmt.Errorf("release for retry: %w", err)
	}
	return nil
}

// MarkEscalated is the terminal failure transition: the refund exhausted its
// retry budget and now needs a human. Kept forever as an audit trail.
func (s *Store) MarkEscalated(ctx context.Context, refundKey, lastError string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"refund_key": &types.AttributeValueMemberS{Value: refundKey},
		},
		UpdateExpression: awsString("SET #s = :escalated, attempts = if_not_exists(attempts, :zero) + :one, " +
			"last_error = :le, escalated_at = :now, updated_at = :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":escalated": &types.AttributeValueMemberS{Value: StatusEscalated},
			":zero":      &types.AttributeValueMemberN{Value: "0"},
			":one":       &types.AttributeValueMemberN{Value: "1"},
			":le":        &types.AttributeValueMemberS{Value: lastError},
			":now":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
