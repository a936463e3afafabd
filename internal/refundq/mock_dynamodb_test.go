package refundq

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock models the credit_refund_failures table. It recognizes the
// store's five transitions by their condition/update expressions and applies
// them under one mutex, which makes it a faithful stand-in for DynamoDB's
// per-item atomicity in concurrency tests.
type simpleMock struct {
	mu    sync.Mutex
	table map[string]map[string]types.AttributeValue
}

func newSimpleMock() *simpleMock {
	return &simpleMock{table: map[string]map[string]types.AttributeValue{}}
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	return nil, errors.New("refundq store does not use PutItem")
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := params.Key["refund_key"].(*types.AttributeValueMemberS).Value
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := params.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value
	limit := len(m.table)
	if params.Limit != nil {
		limit = int(*params.Limit)
	}

	out := &dyn.ScanOutput{}
	scanned := 0
	for _, item := range m.table {
		if scanned == limit {
			break
		}
		scanned++
		if strValue(item["status"]) == want {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	return out, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := params.Key["refund_key"].(*types.AttributeValueMemberS).Value
	item, exists := m.table[k]
	vals := params.ExpressionAttributeValues
	expr := *params.UpdateExpression

	cond := ""
	if params.ConditionExpression != nil {
		cond = *params.ConditionExpression
	}

	switch {
	// UpsertFailure
	case strings.Contains(cond, "attribute_not_exists(refund_key)"):
		if exists && strValue(item["status"]) == strValue(vals[":resolved"]) {
			return nil, &types.ConditionalCheckFailedException{}
		}
		if !exists {
			item = map[string]types.AttributeValue{
				"refund_key": &types.AttributeValueMemberS{Value: k},
				"created_at": vals[":now"],
				"attempts":   vals[":zero"],
			}
			m.table[k] = item
		}
		item["user_id"] = vals[":uid"]
		item["amount"] = vals[":amt"]
		item["reason"] = vals[":rsn"]
		item["status"] = vals[":pending"]
		item["last_error"] = vals[":le"]
		item["updated_at"] = vals[":now"]

	// tryClaim
	case strings.Contains(cond, ":seen"):
		if !exists ||
			strValue(item["status"]) != strValue(vals[":pending"]) ||
			strValue(item["updated_at"]) != strValue(vals[":seen"]) {
			return nil, &types.ConditionalCheckFailedException{}
		}
		item["status"] = vals[":processing"]
		item["processing_started_at"] = vals[":now"]
		item["updated_at"] = vals[":now"]

	// ReleaseForRetry
	case strings.Contains(cond, "#s = :processing"):
		if !exists || strValue(item["status"]) != strValue(vals[":processing"]) {
			return nil, &types.ConditionalCheckFailedException{}
		}
		item["status"] = vals[":pending"]
		item["attempts"] = numAttr(numValue(item["attempts"]) + 1)
		item["last_error"] = vals[":le"]
		item["updated_at"] = vals[":now"]

	// MarkResolved
	case strings.Contains(expr, ":resolved"):
		item = m.ensure(k, item, exists)
		item["status"] = vals[":resolved"]
		item["resolved_at"] = vals[":now"]
		item["updated_at"] = vals[":now"]

	// MarkEscalated
	case strings.Contains(expr, ":escalated"):
		item = m.ensure(k, item, exists)
		item["status"] = vals[":escalated"]
		item["attempts"] = numAttr(numValue(item["attempts"]) + 1)
		item["last_error"] = vals[":le"]
		item["escalated_at"] = vals[":now"]
		item["updated_at"] = vals[":now"]

	default:
		return nil, errors.New("unsupported update expression: " + expr)
	}

	return &dyn.UpdateItemOutput{}, nil
}

func (m *simpleMock) ensure(k string, item map[string]types.AttributeValue, exists bool) map[string]types.AttributeValue {
	if exists {
		return item
	}
	item = map[string]types.AttributeValue{
		"refund_key": &types.AttributeValueMemberS{Value: k},
	}
	m.table[k] = item
	return item
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strValue(av types.AttributeValue) string {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func numValue(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
