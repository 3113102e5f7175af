package dao

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// DirectoryDynamo reads tenants and memberships from the single table
type DirectoryDynamo struct {
	api       dynamodbAPI
	tableName string
}

// NewDirectoryDynamo creates a new DynamoDB directory
func NewDirectoryDynamo(api dynamodbAPI, tableName string) (*DirectoryDynamo, error) {
	if api == nil {
		return nil, errors.New("dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamodb table name must not be empty")
	}
	return &DirectoryDynamo{api: api, tableName: tableName}, nil
}

// PutTenant registers or renames a tenant
func (r *DirectoryDynamo) PutTenant(ctx context.Context, ref entity.TenantRef, name string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	item := keyOf(tenantPK(ref.Key()), skTenant)
	item["name"] = strVal(name)

	if _, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting tenant: %w", err)
	}
	return nil
}

// AddMembership lets an actor act for a tenant
func (r *DirectoryDynamo) AddMembership(ctx context.Context, actorID string, ref entity.TenantRef) error {
	item := keyOf(memberPK(actorID), ref.Key())
	item["tenantKind"] = strVal(ref.Kind)
	item["tenantId"] = strVal(ref.ID)

	if _, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting membership: %w", err)
	}
	return nil
}

// Memberships lists the tenants an actor may act for
func (r *DirectoryDynamo) Memberships(ctx context.Context, actorID string) ([]entity.TenantRef, error) {
	var (
		refs  []entity.TenantRef
		start map[string]types.AttributeValue
	)
	for {
		out, err := r.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": strVal(memberPK(actorID)),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("querying memberships: %w", err)
		}
		for _, item := range out.Items {
			ref := entity.TenantRef{
				Kind: optStrAttr(item, "tenantKind"),
				ID:   optStrAttr(item, "tenantId"),
			}
			if ref.Validate() == nil {
				refs = append(refs, ref)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return refs, nil
}

// TenantExists reports whether the tenant is registered
func (r *DirectoryDynamo) TenantExists(ctx context.Context, ref entity.TenantRef) (bool, error) {
	item, err := r.tenant(ctx, ref)
	return item != nil, err
}

// TenantName returns the tenant display name, empty when unknown
func (r *DirectoryDynamo) TenantName(ctx context.Context, ref entity.TenantRef) (string, error) {
	item, err := r.tenant(ctx, ref)
	if err != nil || item == nil {
		return "", err
	}
	return optStrAttr(item, "name"), nil
}

func (r *DirectoryDynamo) tenant(ctx context.Context, ref entity.TenantRef) (map[string]types.AttributeValue, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       keyOf(tenantPK(ref.Key()), skTenant),
	})
	if err != nil {
		return nil, fmt.Errorf("getting tenant: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}
