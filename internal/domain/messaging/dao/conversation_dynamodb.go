package dao

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// ConversationDynamo implements conversation repository on a DynamoDB single table.
// Pair uniqueness is a conditional put of the PAIR item inside the create transaction;
// counters are nested numbers incremented server side.
type ConversationDynamo struct {
	api       dynamodbAPI
	tableName string
}

// NewConversationDynamo creates a new DynamoDB conversation repository
func NewConversationDynamo(api dynamodbAPI, tableName string) (*ConversationDynamo, error) {
	if api == nil {
		return nil, errors.New("dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamodb table name must not be empty")
	}
	return &ConversationDynamo{api: api, tableName: tableName}, nil
}

// Create writes the pair lock, the conversation and its inbox entries in one transaction
func (r *ConversationDynamo) Create(ctx context.Context, conv *entity.Conversation) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating conversation id: %w", err)
	}

	stored := *conv
	stored.ID = id.String()

	pair := keyOf(pairPK(conv.CompositeKey), skPair)
	pair["conversationId"] = strVal(stored.ID)

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                pair,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item:      conversationItem(&stored),
			},
		},
	}
	for _, p := range conv.Participants {
		inbox := keyOf(inboxPK(p.Key()), skPrefixConv+stored.ID)
		inbox["conversationId"] = strVal(stored.ID)
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(r.tableName), Item: inbox},
		})
	}

	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if isTransactionConditionFailed(err, 0) || isTransactionConflict(err) {
		// Either the pair exists or a concurrent create holds it
		return entity.ErrDuplicateConversation
	}
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	conv.ID = stored.ID
	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationDynamo) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            keyOf(convPK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	return conv, nil
}

// GetByCompositeKey resolves the pair lock and loads its conversation
func (r *ConversationDynamo) GetByCompositeKey(ctx context.Context, compositeKey string) (*entity.Conversation, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            keyOf(pairPK(compositeKey), skPair),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting pair: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	id, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return nil, fmt.Errorf("decoding pair: %w", err)
	}
	return r.GetByID(ctx, id)
}

// SetTenantContext updates the tenant context
func (r *ConversationDynamo) SetTenantContext(ctx context.Context, id string, tc entity.TenantRef) error {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 keyOf(convPK(id), skMeta),
		UpdateExpression:    aws.String("SET tenantContext = :tc"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tc": strVal(tc.Key()),
		},
	})
	if isConditionFailed(err) {
		return entity.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("updating tenant context: %w", err)
	}
	return nil
}

// RecordMessage increments the recipient counter atomically, then advances the preview
// only if the message is not older than the current one
func (r *ConversationDynamo) RecordMessage(ctx context.Context, id, senderKey, preview string, at time.Time) error {
	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return entity.ErrConversationNotFound
	}

	names := map[string]string{
		"#count":   "count",
		"#updated": "updatedAt",
	}
	values := map[string]types.AttributeValue{
		":one": numVal(1),
		":at":  strVal(formatTime(at)),
	}
	var sets []string
	for i, u := range conv.Unread {
		k := "#k" + strconv.Itoa(i)
		names[k] = u.ParticipantKey
		if u.ParticipantKey != senderKey {
			sets = append(sets, fmt.Sprintf("unread.%s.#count = unread.%s.#count + :one", k, k))
		}
		sets = append(sets, fmt.Sprintf("unread.%s.#updated = :at", k))
	}

	_, err = r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       keyOf(convPK(id), skMeta),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return entity.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("incrementing unread counters: %w", err)
	}

	_, err = r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 keyOf(convPK(id), skMeta),
		UpdateExpression:    aws.String("SET lastMessageAt = :at, lastMessagePreview = :preview"),
		ConditionExpression: aws.String("lastMessageAt <= :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":      strVal(formatTime(at)),
			":preview": strVal(preview),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("updating last message: %w", err)
	}
	return nil
}

// MarkRead zeroes a participant's counter and moves its read watermark
func (r *ConversationDynamo) MarkRead(ctx context.Context, id, participantKey string, at time.Time) error {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 keyOf(convPK(id), skMeta),
		UpdateExpression:    aws.String("SET unread.#k.#count = :zero, unread.#k.#updated = :at, unread.#k.#read = :at"),
		ConditionExpression: aws.String("attribute_exists(unread.#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k":       participantKey,
			"#count":   "count",
			"#updated": "updatedAt",
			"#read":    "readAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": numVal(0),
			":at":   strVal(formatTime(at)),
		},
	})
	if isConditionFailed(err) {
		return entity.ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// SetUnread overwrites counters while lastMessageAt still equals expectedLastMessageAt
func (r *ConversationDynamo) SetUnread(ctx context.Context, id string, expectedLastMessageAt time.Time, last entity.LastMessage, counts map[string]int, at time.Time) error {
	names := map[string]string{
		"#count":   "count",
		"#updated": "updatedAt",
	}
	values := map[string]types.AttributeValue{
		":expected": strVal(formatTime(expectedLastMessageAt)),
		":at":       strVal(formatTime(at)),
	}
	sets := []string{"reconciledAt = :at"}
	if last.At.After(expectedLastMessageAt) {
		values[":last"] = strVal(formatTime(last.At))
		values[":preview"] = strVal(last.Preview)
		sets = append(sets, "lastMessageAt = :last", "lastMessagePreview = :preview")
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, key := range keys {
		k, v := "#k"+strconv.Itoa(i), ":c"+strconv.Itoa(i)
		names[k] = key
		values[v] = numVal(counts[key])
		sets = append(sets,
			fmt.Sprintf("unread.%s.#count = %s", k, v),
			fmt.Sprintf("unread.%s.#updated = :at", k),
		)
	}

	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       keyOf(convPK(id), skMeta),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("lastMessageAt = :expected"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return entity.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("setting unread counters: %w", err)
	}
	return nil
}

// ListByParticipant lists a participant's conversations by last activity
func (r *ConversationDynamo) ListByParticipant(ctx context.Context, participantKey string, limit, offset int) ([]entity.Conversation, error) {
	convs, err := r.listInbox(ctx, participantKey)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return page(convs, limit, offset), nil
}

// ListByTenant lists the tenant's conversations. A tenant context always names one of
// the two participants, so the participant index already covers it.
func (r *ConversationDynamo) ListByTenant(ctx context.Context, ref entity.TenantRef, limit, offset int) ([]entity.Conversation, error) {
	convs, err := r.listInbox(ctx, ref.Key())
	if err != nil {
		return nil, fmt.Errorf("listing tenant conversations: %w", err)
	}
	return page(convs, limit, offset), nil
}

// ListStale scans for idle conversations not reconciled since their last message
func (r *ConversationDynamo) ListStale(ctx context.Context, quietBefore time.Time, limit int) ([]entity.Conversation, error) {
	var (
		stale []entity.Conversation
		start map[string]types.AttributeValue
	)
	for {
		out, err := r.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(r.tableName),
			FilterExpression: aws.String("SK = :meta AND lastMessageAt < :quiet AND (attribute_not_exists(reconciledAt) OR reconciledAt < lastMessageAt)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta":  strVal(skMeta),
				":quiet": strVal(formatTime(quietBefore)),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning stale conversations: %w", err)
		}
		for _, item := range out.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("decoding conversation: %w", err)
			}
			stale = append(stale, *conv)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastMessageAt.Before(stale[j].LastMessageAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// listInbox loads every conversation of an inbox, newest activity first
func (r *ConversationDynamo) listInbox(ctx context.Context, owner string) ([]entity.Conversation, error) {
	var (
		ids   []string
		start map[string]types.AttributeValue
	)
	for {
		out, err := r.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     strVal(inboxPK(owner)),
				":prefix": strVal(skPrefixConv),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "conversationId")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	convs := make([]entity.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			convs = append(convs, *conv)
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

func conversationItem(conv *entity.Conversation) map[string]types.AttributeValue {
	item := keyOf(convPK(conv.ID), skMeta)
	item["id"] = strVal(conv.ID)
	item["compositeKey"] = strVal(conv.CompositeKey)
	item["conversationType"] = strVal(string(conv.Type))
	item["participantA"] = strVal(conv.Participants[0].Key())
	item["participantB"] = strVal(conv.Participants[1].Key())
	item["lastMessageAt"] = strVal(formatTime(conv.LastMessageAt))
	item["lastMessagePreview"] = strVal(conv.LastMessagePreview)
	item["createdAt"] = strVal(formatTime(conv.CreatedAt))
	if conv.TenantContext != nil {
		item["tenantContext"] = strVal(conv.TenantContext.Key())
	}
	if conv.ReconciledAt != nil {
		item["reconciledAt"] = strVal(formatTime(*conv.ReconciledAt))
	}

	unread := make(map[string]types.AttributeValue, len(conv.Unread))
	for _, u := range conv.Unread {
		entry := map[string]types.AttributeValue{
			"count":     numVal(u.Count),
			"updatedAt": strVal(formatTime(u.UpdatedAt)),
		}
		if u.ReadAt != nil {
			entry["readAt"] = strVal(formatTime(*u.ReadAt))
		}
		unread[u.ParticipantKey] = &types.AttributeValueMemberM{Value: entry}
	}
	item["unread"] = &types.AttributeValueMemberM{Value: unread}

	return item
}

func itemToConversation(item map[string]types.AttributeValue) (*entity.Conversation, error) {
	var (
		conv entity.Conversation
		err  error
	)

	if conv.ID, err = strAttr(item, "id"); err != nil {
		return nil, err
	}
	if conv.CompositeKey, err = strAttr(item, "compositeKey"); err != nil {
		return nil, err
	}
	conv.Type = entity.ConversationType(optStrAttr(item, "conversationType"))
	for i, attr := range []string{"participantA", "participantB"} {
		key, err := strAttr(item, attr)
		if err != nil {
			return nil, err
		}
		if conv.Participants[i], err = entity.ParseParticipantKey(key); err != nil {
			return nil, err
		}
	}
	if tc := optStrAttr(item, "tenantContext"); tc != "" {
		p, err := entity.ParseParticipantKey(tc)
		if err != nil {
			return nil, err
		}
		if ref, ok := p.Tenant(); ok {
			conv.TenantContext = &ref
		}
	}
	if conv.LastMessageAt, err = timeAttr(item, "lastMessageAt"); err != nil {
		return nil, err
	}
	conv.LastMessagePreview = optStrAttr(item, "lastMessagePreview")
	if conv.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return nil, err
	}
	if conv.ReconciledAt, err = optTimeAttr(item, "reconciledAt"); err != nil {
		return nil, err
	}

	unread, ok := item["unread"].(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("attribute %q is not a map", "unread")
	}
	for _, p := range conv.Participants {
		raw, ok := unread.Value[p.Key()].(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("missing unread entry for %s", p.Key())
		}
		entry := entity.UnreadEntry{ParticipantKey: p.Key()}
		if entry.Count, err = intAttr(raw.Value, "count"); err != nil {
			return nil, err
		}
		if entry.UpdatedAt, err = timeAttr(raw.Value, "updatedAt"); err != nil {
			return nil, err
		}
		if entry.ReadAt, err = optTimeAttr(raw.Value, "readAt"); err != nil {
			return nil, err
		}
		conv.Unread = append(conv.Unread, entry)
	}

	return &conv, nil
}
