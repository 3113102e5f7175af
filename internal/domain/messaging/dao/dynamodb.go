package dao

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Single-table layout:
//
//	PK=CONV#<id>           SK=META                          conversation with nested unread map
//	PK=CONV#<id>           SK=MSG#<ts>#<msgID>              message
//	PK=PAIR#<compositeKey> SK=PAIR                          pair lock, holds the conversation id
//	PK=INBOX#<partKey>     SK=CONV#<id>                     participant index
//	PK=MSG#<msgID>         SK=MSG                           message lookup, holds the message SK
//	PK=TENANT#<tenantKey>  SK=TENANT                        tenant display name
//	PK=MEMBER#<actorID>    SK=<tenantKey>                   membership
const (
	skMeta       = "META"
	skPair       = "PAIR"
	skMsgLookup  = "MSG"
	skTenant     = "TENANT"
	skPrefixMsg  = "MSG#"
	skPrefixConv = "CONV#"
	// skMsgUpper sorts after every message sort key with the same timestamp
	skMsgUpper = "~"
)

// dynamoTime is a fixed-width UTC layout so sort keys and string comparisons follow time order
const dynamoTime = "2006-01-02T15:04:05.000000000Z"

// dynamodbAPI is the minimal DynamoDB interface required by the repositories
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func convPK(id string) string {
	return "CONV#" + id
}

func pairPK(compositeKey string) string {
	return "PAIR#" + compositeKey
}

func inboxPK(participantKey string) string {
	return "INBOX#" + participantKey
}

func msgLookupPK(id string) string {
	return "MSG#" + id
}

func tenantPK(tenantKey string) string {
	return "TENANT#" + tenantKey
}

func memberPK(actorID string) string {
	return "MEMBER#" + actorID
}

func msgSK(at time.Time, id string) string {
	return skPrefixMsg + formatTime(at) + "#" + id
}

func formatTime(t time.Time) string {
	return t.UTC().Format(dynamoTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(dynamoTime, s)
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func strVal(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func numVal(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(s)
}

func optTimeAttr(item map[string]types.AttributeValue, key string) (*time.Time, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	t, err := timeAttr(item, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isTransactionConditionFailed reports whether the item at index idx failed its condition
func isTransactionConditionFailed(err error, idx int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if idx >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[idx].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func isTransactionConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && strings.EqualFold(*r.Code, "TransactionConflict") {
			return true
		}
	}
	return false
}
