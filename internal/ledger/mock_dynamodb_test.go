package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory stand-in for the users table. It supports
// exactly the expressions the ledger store issues and nothing more.
type simpleMock struct {
	mu    sync.Mutex
	table map[string]map[string]types.AttributeValue

	// when > 0, the next UpdateItem calls fail with a transient error
	failUpdates int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{table: map[string]map[string]types.AttributeValue{}}
}

func (m *simpleMock) credits(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.table[userID]
	if !ok {
		return 0
	}
	return numValue(item["credits"])
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := params.Item["user_id"].(*types.AttributeValueMemberS).Value
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(user_id)" {
		if _, ok := m.table[k]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := params.Key["user_id"].(*types.AttributeValueMemberS).Value
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpdates > 0 {
		m.failUpdates--
		return nil, errors.New("simulated transient store failure")
	}

	k := params.Key["user_id"].(*types.AttributeValueMemberS).Value
	item, exists := m.table[k]

	expr := *params.UpdateExpression
	vals := params.ExpressionAttributeValues

	// reserve: SET credits = credits - :cost ... with credits >= :cost
	if params.ConditionExpression != nil && strings.Contains(*params.ConditionExpression, "credits >= :cost") {
		cost := numValue(vals[":cost"])
		if !exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
		have := numValue(item["credits"])
		if have < cost {
			return nil, &types.ConditionalCheckFailedException{}
		}
		item["credits"] = numAttr(have - cost)
		item["updated_at"] = vals[":ua"]
		return &dyn.UpdateItemOutput{}, nil
	}

	// refund: SET credits = if_not_exists(credits, :zero) + :amount ...
	if strings.Contains(expr, "+ :amount") {
		if !exists {
			item = map[string]types.AttributeValue{
				"user_id": &types.AttributeValueMemberS{Value: k},
			}
			m.table[k] = item
		}
		have := numValue(item["credits"])
		item["credits"] = numAttr(have + numValue(vals[":amount"]))
		item["updated_at"] = vals[":ua"]
		return &dyn.UpdateItemOutput{}, nil
	}

	return nil, errors.New("unsupported update expression: " + expr)
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return &dyn.ScanOutput{}, nil
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
