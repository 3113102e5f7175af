package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// MessageDynamo implements message repository on a DynamoDB single table
type MessageDynamo struct {
	api       dynamodbAPI
	tableName string
}

// NewMessageDynamo creates a new DynamoDB message repository
func NewMessageDynamo(api dynamodbAPI, tableName string) (*MessageDynamo, error) {
	if api == nil {
		return nil, errors.New("dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamodb table name must not be empty")
	}
	return &MessageDynamo{api: api, tableName: tableName}, nil
}

// Create writes the message and its id lookup in one transaction
func (r *MessageDynamo) Create(ctx context.Context, msg *entity.Message) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating message id: %w", err)
	}

	stored := *msg
	stored.ID = id.String()
	item, err := messageItem(&stored)
	if err != nil {
		return err
	}

	lookup := keyOf(msgLookupPK(stored.ID), skMsgLookup)
	lookup["conversationId"] = strVal(stored.ConversationID)
	lookup["messageSK"] = strVal(msgSK(stored.CreatedAt, stored.ID))

	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.tableName),
					Item:      lookup,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}

	msg.ID = stored.ID
	return nil
}

// GetByID resolves the lookup item and loads the message
func (r *MessageDynamo) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	key, err := r.messageKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}

	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	msg, err := itemToMessage(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// ListByConversation reads the log backwards from `before`
func (r *MessageDynamo) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit, offset int) ([]entity.Message, error) {
	var (
		items []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	want := offset + limit
	for len(items) < want {
		out, err := r.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   strVal(convPK(conversationID)),
				":from": strVal(skPrefixMsg),
				":to":   strVal(skPrefixMsg + formatTime(before) + "#" + skMsgUpper),
			},
			ScanIndexForward:  aws.Bool(false),
			Limit:             aws.Int32(int32(want - len(items))),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("querying messages: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	items = page(items, limit, offset)
	messages := make([]entity.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// UpdatePayloadStatus patches the request status while it still equals from
func (r *MessageDynamo) UpdatePayloadStatus(ctx context.Context, id string, from, to entity.RequestStatus, at time.Time) error {
	key, err := r.messageKey(ctx, id)
	if err != nil {
		return err
	}
	if key == nil {
		return entity.ErrMessageNotFound
	}

	_, err = r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET payloadStatus = :to, resolvedAt = :at"),
		ConditionExpression: aws.String("payloadStatus = :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": strVal(string(from)),
			":to":   strVal(string(to)),
			":at":   strVal(formatTime(at)),
		},
	})
	if isConditionFailed(err) {
		return entity.ErrInvalidStatusTransition
	}
	if err != nil {
		return fmt.Errorf("updating payload status: %w", err)
	}
	return nil
}

// CountFrom counts messages created strictly after `after`, optionally by one sender
func (r *MessageDynamo) CountFrom(ctx context.Context, conversationID, senderKey string, after *time.Time) (int, error) {
	from := skPrefixMsg
	if after != nil {
		from = skPrefixMsg + formatTime(*after) + "#" + skMsgUpper
	}

	values := map[string]types.AttributeValue{
		":pk":   strVal(convPK(conversationID)),
		":from": strVal(from),
		":to":   strVal(skPrefixMsg + skMsgUpper),
	}
	var filter *string
	if senderKey != "" {
		filter = aws.String("sender = :sender")
		values[":sender"] = strVal(senderKey)
	}

	var (
		count int
		start map[string]types.AttributeValue
	)
	for {
		out, err := r.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(r.tableName),
			KeyConditionExpression:    aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
			FilterExpression:          filter,
			ExpressionAttributeValues: values,
			Select:                    types.SelectCount,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return 0, fmt.Errorf("counting messages: %w", err)
		}
		count += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return count, nil
}

// messageKey returns the primary key of a message, nil when unknown
func (r *MessageDynamo) messageKey(ctx context.Context, id string) (map[string]types.AttributeValue, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       keyOf(msgLookupPK(id), skMsgLookup),
	})
	if err != nil {
		return nil, fmt.Errorf("getting message lookup: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	conversationID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return nil, fmt.Errorf("decoding message lookup: %w", err)
	}
	sk, err := strAttr(out.Item, "messageSK")
	if err != nil {
		return nil, fmt.Errorf("decoding message lookup: %w", err)
	}
	return keyOf(convPK(conversationID), sk), nil
}

func messageItem(msg *entity.Message) (map[string]types.AttributeValue, error) {
	item := keyOf(convPK(msg.ConversationID), msgSK(msg.CreatedAt, msg.ID))
	item["id"] = strVal(msg.ID)
	item["conversationId"] = strVal(msg.ConversationID)
	item["sender"] = strVal(msg.Sender.Key())
	item["messageType"] = strVal(string(msg.Type))
	item["text"] = strVal(msg.Text)
	item["createdAt"] = strVal(formatTime(msg.CreatedAt))

	if msg.Payload != nil {
		data, err := json.Marshal(msg.Payload.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		item["payloadStatus"] = strVal(string(msg.Payload.Status))
		item["payloadData"] = strVal(string(data))
		if msg.Payload.ResolvedAt != nil {
			item["resolvedAt"] = strVal(formatTime(*msg.Payload.ResolvedAt))
		}
	}
	return item, nil
}

func itemToMessage(item map[string]types.AttributeValue) (*entity.Message, error) {
	var (
		msg entity.Message
		err error
	)

	if msg.ID, err = strAttr(item, "id"); err != nil {
		return nil, err
	}
	if msg.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return nil, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return nil, err
	}
	if msg.Sender, err = entity.ParseParticipantKey(sender); err != nil {
		return nil, err
	}
	msg.Type = entity.MessageType(optStrAttr(item, "messageType"))
	msg.Text = optStrAttr(item, "text")
	if msg.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return nil, err
	}

	if status := optStrAttr(item, "payloadStatus"); status != "" {
		msg.Payload = &entity.StructuredPayload{Status: entity.RequestStatus(status)}
		if data := optStrAttr(item, "payloadData"); data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &msg.Payload.Data); err != nil {
				return nil, fmt.Errorf("decoding payload: %w", err)
			}
		}
		if msg.Payload.ResolvedAt, err = optTimeAttr(item, "resolvedAt"); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}
