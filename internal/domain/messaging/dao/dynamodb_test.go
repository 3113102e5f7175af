package dao

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

type fakeDynamo struct {
	getOut    map[string]*dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr []error
	queryOut  []*dynamodb.QueryOutput
	queryErr  error
	scanOut   *dynamodb.ScanOutput
	txErr     error

	lastPutInput *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	if out, ok := f.getOut[pk]; ok {
		return out, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	if len(f.updateErr) == 0 {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	err := f.updateErr[0]
	f.updateErr = f.updateErr[1:]
	return &dynamodb.UpdateItemOutput{}, err
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOut) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOut[0]
	f.queryOut = f.queryOut[1:]
	return out, nil
}

func (f *fakeDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.scanOut == nil {
		return &dynamodb.ScanOutput{}, nil
	}
	return f.scanOut, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func storedConversation(t *testing.T) *entity.Conversation {
	t.Helper()
	conv := newTestConversation(t, u1, c1, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	conv.ID = "conv-1"
	return conv
}

func TestNewConversationDynamo_Validation(t *testing.T) {
	_, err := NewConversationDynamo(nil, "table")
	require.Error(t, err)

	_, err = NewConversationDynamo(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestConversationItem_RoundTrip(t *testing.T) {
	conv := storedConversation(t)
	readAt := conv.CreatedAt.Add(time.Minute)
	conv.ApplyMessage(u1.Key(), "Hello", conv.CreatedAt.Add(time.Second))
	conv.ApplyRead(u1.Key(), readAt)

	got, err := itemToConversation(conversationItem(conv))
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
	require.Equal(t, conv.CompositeKey, got.CompositeKey)
	require.Equal(t, conv.Type, got.Type)
	require.Equal(t, *conv.TenantContext, *got.TenantContext)
	require.Equal(t, "Hello", got.LastMessagePreview)
	require.True(t, conv.LastMessageAt.Equal(got.LastMessageAt))
	require.Equal(t, 1, got.UnreadFor(c1.Key()).Count)
	require.True(t, readAt.Equal(*got.UnreadFor(u1.Key()).ReadAt))
}

func TestConversationDynamo_CreateDuplicate(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	conv, err := entity.NewConversation(u1, c1, nil, time.Now())
	require.NoError(t, err)

	err = repo.Create(context.Background(), conv)
	require.ErrorIs(t, err, entity.ErrDuplicateConversation)
	require.Empty(t, conv.ID)

	pair := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK)", *pair.ConditionExpression)
	require.Equal(t, pairPK(conv.CompositeKey), pair.Item["PK"].(*types.AttributeValueMemberS).Value)
}

func TestConversationDynamo_CreateWritesInboxEntries(t *testing.T) {
	db := &fakeDynamo{}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	conv, err := entity.NewConversation(u1, c1, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), conv))
	require.NotEmpty(t, conv.ID)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 4)
	require.Equal(t, inboxPK(u1.Key()), items[2].Put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, inboxPK(c1.Key()), items[3].Put.Item["PK"].(*types.AttributeValueMemberS).Value)
}

func TestConversationDynamo_RecordMessageIncrementsRecipientOnly(t *testing.T) {
	conv := storedConversation(t)
	db := &fakeDynamo{getOut: map[string]*dynamodb.GetItemOutput{
		convPK(conv.ID): {Item: conversationItem(conv)},
	}}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	at := conv.CreatedAt.Add(time.Second)
	require.NoError(t, repo.RecordMessage(context.Background(), conv.ID, u1.Key(), "Hello", at))

	require.Len(t, db.updateInputs, 2)
	counters := db.updateInputs[0]
	require.Contains(t, *counters.UpdateExpression, "unread.#k1.#count = unread.#k1.#count + :one")
	require.NotContains(t, *counters.UpdateExpression, "unread.#k0.#count")
	require.Equal(t, u1.Key(), counters.ExpressionAttributeNames["#k0"])
	require.Equal(t, c1.Key(), counters.ExpressionAttributeNames["#k1"])

	last := db.updateInputs[1]
	require.Equal(t, "lastMessageAt <= :at", *last.ConditionExpression)
}

func TestConversationDynamo_RecordMessageIgnoresOlderPreview(t *testing.T) {
	conv := storedConversation(t)
	db := &fakeDynamo{
		getOut:    map[string]*dynamodb.GetItemOutput{convPK(conv.ID): {Item: conversationItem(conv)}},
		updateErr: []error{nil, conditionFailed()},
	}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	require.NoError(t, repo.RecordMessage(context.Background(), conv.ID, c1.Key(), "late", conv.CreatedAt))
}

func TestConversationDynamo_RecordMessageMissingConversation(t *testing.T) {
	repo, err := NewConversationDynamo(&fakeDynamo{}, "inbox")
	require.NoError(t, err)

	err = repo.RecordMessage(context.Background(), "missing", u1.Key(), "x", time.Now())
	require.ErrorIs(t, err, entity.ErrConversationNotFound)
}

func TestConversationDynamo_MarkReadUnknownParticipant(t *testing.T) {
	db := &fakeDynamo{updateErr: []error{conditionFailed()}}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	err = repo.MarkRead(context.Background(), "conv-1", c2.Key(), time.Now())
	require.ErrorIs(t, err, entity.ErrForbidden)
	require.Equal(t, c2.Key(), db.updateInputs[0].ExpressionAttributeNames["#k"])
}

func TestConversationDynamo_SetUnreadConflict(t *testing.T) {
	db := &fakeDynamo{updateErr: []error{conditionFailed()}}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	now := time.Now()
	err = repo.SetUnread(context.Background(), "conv-1", now, entity.LastMessage{At: now}, map[string]int{c1.Key(): 1}, now)
	require.ErrorIs(t, err, entity.ErrConflict)
	require.Equal(t, "lastMessageAt = :expected", *db.updateInputs[0].ConditionExpression)
	require.NotContains(t, *db.updateInputs[0].UpdateExpression, "lastMessagePreview")
}

func TestConversationDynamo_SetUnreadAdvancesLastMessage(t *testing.T) {
	db := &fakeDynamo{}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	expected := time.Now().UTC().Add(-time.Hour)
	last := entity.LastMessage{At: expected.Add(time.Minute), Preview: "kept"}
	require.NoError(t, repo.SetUnread(context.Background(), "conv-1", expected, last, map[string]int{c1.Key(): 1}, time.Now().UTC()))

	in := db.updateInputs[0]
	require.Contains(t, *in.UpdateExpression, "lastMessageAt = :last")
	require.Equal(t, formatTime(last.At), in.ExpressionAttributeValues[":last"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "kept", in.ExpressionAttributeValues[":preview"].(*types.AttributeValueMemberS).Value)
}

func TestConversationDynamo_ListByParticipantSortsByActivity(t *testing.T) {
	older := storedConversation(t)
	newer, err := entity.NewConversation(u1, c2, nil, older.CreatedAt.Add(time.Hour))
	require.NoError(t, err)
	newer.ID = "conv-2"

	db := &fakeDynamo{
		getOut: map[string]*dynamodb.GetItemOutput{
			convPK(older.ID): {Item: conversationItem(older)},
			convPK(newer.ID): {Item: conversationItem(newer)},
		},
		queryOut: []*dynamodb.QueryOutput{{
			Items: []map[string]types.AttributeValue{
				{"conversationId": strVal(older.ID)},
				{"conversationId": strVal(newer.ID)},
			},
		}},
	}
	repo, err := NewConversationDynamo(db, "inbox")
	require.NoError(t, err)

	convs, err := repo.ListByParticipant(context.Background(), u1.Key(), 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, newer.ID, convs[0].ID)
	require.Equal(t, older.ID, convs[1].ID)
	require.Equal(t, inboxPK(u1.Key()), db.queryInputs[0].ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestMessageItem_RoundTrip(t *testing.T) {
	resolvedAt := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	msg := &entity.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Sender:         u1,
		Type:           entity.MessageTypeEventRequest,
		Payload: &entity.StructuredPayload{
			Status:     entity.RequestAccepted,
			Data:       map[string]any{"guests": 12.0},
			ResolvedAt: &resolvedAt,
		},
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC),
	}

	item, err := messageItem(msg)
	require.NoError(t, err)
	got, err := itemToMessage(item)
	require.NoError(t, err)

	require.Equal(t, msg.ID, got.ID)
	require.True(t, msg.Sender.Equal(got.Sender))
	require.True(t, msg.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, entity.RequestAccepted, got.Payload.Status)
	require.Equal(t, 12.0, got.Payload.Data["guests"])
	require.True(t, resolvedAt.Equal(*got.Payload.ResolvedAt))
}

func TestMessageDynamo_ListByConversationQuery(t *testing.T) {
	db := &fakeDynamo{}
	repo, err := NewMessageDynamo(db, "inbox")
	require.NoError(t, err)

	before := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs, err := repo.ListByConversation(context.Background(), "conv-1", before, 2, 2)
	require.NoError(t, err)
	require.Empty(t, msgs)

	in := db.queryInputs[0]
	require.Equal(t, "PK = :pk AND SK BETWEEN :from AND :to", *in.KeyConditionExpression)
	require.False(t, *in.ScanIndexForward)
	require.Equal(t, int32(4), *in.Limit)
	require.Equal(t, "MSG#2025-03-01T10:00:00.000000000Z#~", in.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value)
}

func TestMessageDynamo_UpdatePayloadStatus(t *testing.T) {
	lookup := keyOf(msgLookupPK("msg-1"), skMsgLookup)
	lookup["conversationId"] = strVal("conv-1")
	lookup["messageSK"] = strVal("MSG#2025-03-01T10:00:00.000000000Z#msg-1")

	db := &fakeDynamo{
		getOut:    map[string]*dynamodb.GetItemOutput{msgLookupPK("msg-1"): {Item: lookup}},
		updateErr: []error{conditionFailed()},
	}
	repo, err := NewMessageDynamo(db, "inbox")
	require.NoError(t, err)

	err = repo.UpdatePayloadStatus(context.Background(), "msg-1", entity.RequestPending, entity.RequestDeclined, time.Now())
	require.ErrorIs(t, err, entity.ErrInvalidStatusTransition)
	require.Equal(t, convPK("conv-1"), db.updateInputs[0].Key["PK"].(*types.AttributeValueMemberS).Value)

	err = repo.UpdatePayloadStatus(context.Background(), "msg-2", entity.RequestPending, entity.RequestDeclined, time.Now())
	require.ErrorIs(t, err, entity.ErrMessageNotFound)
}

func TestMessageDynamo_CountFromPaginates(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{
		{Count: 3, LastEvaluatedKey: keyOf("CONV#conv-1", "MSG#x")},
		{Count: 2},
	}}
	repo, err := NewMessageDynamo(db, "inbox")
	require.NoError(t, err)

	n, err := repo.CountFrom(context.Background(), "conv-1", u1.Key(), nil)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, db.queryInputs, 2)
	require.Equal(t, "sender = :sender", *db.queryInputs[0].FilterExpression)
	require.Equal(t, types.SelectCount, db.queryInputs[0].Select)
}

func TestDirectoryDynamo(t *testing.T) {
	tenant := keyOf(tenantPK("company:c1"), skTenant)
	tenant["name"] = strVal("Acme")

	db := &fakeDynamo{
		getOut: map[string]*dynamodb.GetItemOutput{tenantPK("company:c1"): {Item: tenant}},
		queryOut: []*dynamodb.QueryOutput{{
			Items: []map[string]types.AttributeValue{
				{"tenantKind": strVal("company"), "tenantId": strVal("c1")},
			},
		}},
	}
	dir, err := NewDirectoryDynamo(db, "inbox")
	require.NoError(t, err)
	ctx := context.Background()

	refs, err := dir.Memberships(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []entity.TenantRef{{Kind: "company", ID: "c1"}}, refs)

	name, err := dir.TenantName(ctx, entity.TenantRef{Kind: "company", ID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "Acme", name)

	exists, err := dir.TenantExists(ctx, entity.TenantRef{Kind: "company", ID: "c2"})
	require.NoError(t, err)
	require.False(t, exists)

	db.getErr = errors.New("boom")
	_, err = dir.TenantExists(ctx, entity.TenantRef{Kind: "company", ID: "c1"})
	require.Error(t, err)
}
