package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"
)

const BATCH_SIZE = 200

// Properties that are stored as their own columns and can be filtered
// server side. Everything else lives in the JSON metadata property.
var filterableProperties = map[string]string{
	types.META_SOURCE_ID: "sourceId",
	types.META_SOURCE:    "source",
}

func chunkClassObject(className string) *models.Class {
	return &models.Class{
		Class:      className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "chunkId", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "metadata", DataType: []string{"text"}},
			{Name: "sourceId", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
		},
		VectorIndexType:    "hnsw",
		MultiTenancyConfig: &models.MultiTenancyConfig{Enabled: true},
	}
}

// WeaviateStore maps each namespace to a tenant of one multi-tenant class.
type WeaviateStore struct {
	client    *weaviate.Client
	className string
}

func NewWeaviateStore(ctx context.Context, config config.WeaviateStoreConfig) (*WeaviateStore, error) {
	var scheme string
	if strings.Contains(config.Host, "https") {
		scheme = "https"
	} else {
		scheme = "http"
	}
	host := strings.TrimPrefix(config.Host, scheme+"://")
	cfg := weaviate.Config{
		Host:   host,
		Scheme: scheme,
	}
	if config.APIKey != "" {
		cfg.AuthConfig = auth.ApiKey{
			Value: config.APIKey,
		}
		cfg.Headers = map[string]string{
			"X-Weaviate-Api-Key":     config.APIKey,
			"X-Weaviate-Cluster-Url": fmt.Sprintf("%s://%s", scheme, host),
		}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	className := config.ClassName
	if className == "" {
		className = "PoolChunk"
	}

	exists, err := client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	if !exists {
		if err := client.Schema().ClassCreator().WithClass(chunkClassObject(className)).Do(ctx); err != nil {
			return nil, fmt.Errorf("failed to create %s class: %w", className, err)
		}
	}
	return &WeaviateStore{
		client:    client,
		className: className,
	}, nil
}

func (s *WeaviateStore) tenantExists(ctx context.Context, namespace string) (bool, error) {
	tenants, err := s.client.Schema().TenantsGetter().WithClassName(s.className).Do(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tenants {
		if t.Name == namespace {
			return true, nil
		}
	}
	return false, nil
}

func (s *WeaviateStore) EnsureNamespace(ctx context.Context, namespace string) error {
	exists, err := s.tenantExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.Schema().TenantsCreator().
		WithClassName(s.className).
		WithTenants(models.Tenant{Name: namespace}).
		Do(ctx)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to create tenant %s: %w", namespace, err)
	}
	return nil
}

func (s *WeaviateStore) DropNamespace(ctx context.Context, namespace string) error {
	exists, err := s.tenantExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	if !exists {
		return nil
	}
	return s.client.Schema().TenantsDeleter().
		WithClassName(s.className).
		WithTenants(namespace).
		Do(ctx)
}

// objectID derives a stable UUID so upserting the same chunk id overwrites.
func objectID(namespace, id string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+id)).String())
}

func (s *WeaviateStore) Upsert(ctx context.Context, namespace string, records []types.VectorRecord) error {
	total := len(records)
	for i := 0; i < total; i += BATCH_SIZE {
		end := i + BATCH_SIZE
		if end > total {
			end = total
		}

		batcher := s.client.Batch().ObjectsBatcher()
		for _, rec := range records[i:end] {
			metadata, err := json.Marshal(rec.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of %s: %w", rec.ID, err)
			}
			properties := map[string]interface{}{
				"chunkId":  rec.ID,
				"content":  rec.RawText,
				"metadata": string(metadata),
			}
			for key, prop := range filterableProperties {
				if v, ok := rec.Metadata[key]; ok {
					properties[prop] = stringify(v)
				}
			}
			batcher = batcher.WithObjects(&models.Object{
				Class:      s.className,
				ID:         objectID(namespace, rec.ID),
				Tenant:     namespace,
				Properties: properties,
				Vector:     rec.Vector,
			})
		}

		resp, err := batcher.Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert batch %d-%d: %w", i, end, err)
		}
		for _, obj := range resp {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return fmt.Errorf("failed to insert object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
			}
		}
		zap.L().Debug("upserted vector batch",
			zap.String("namespace", namespace), zap.Int("from", i), zap.Int("to", end), zap.Int("total", total))
	}
	return nil
}

func (s *WeaviateStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	where := filters.Where().
		WithPath([]string{"chunkId"}).
		WithOperator(filters.ContainsAny).
		WithValueText(ids...)
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.className).
		WithTenant(namespace).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		if exists, existsErr := s.tenantExists(ctx, namespace); existsErr == nil && !exists {
			return nil
		}
		return fmt.Errorf("failed to delete objects: %w", err)
	}
	return nil
}

var recordFields = []graphql.Field{
	{Name: "chunkId"},
	{Name: "content"},
	{Name: "metadata"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}, {Name: "id"}}},
}

func (s *WeaviateStore) Query(ctx context.Context, namespace string, vector []float32, limit int, filter map[string]string) ([]types.ScoredRecord, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	where, postFilter := buildMetadataFilter(filter)
	getBuilder := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithTenant(namespace).
		WithFields(recordFields...).
		WithNearVector(nearVector)
	if limit > 0 {
		getBuilder = getBuilder.WithLimit(limit)
	}
	if where != nil {
		getBuilder = getBuilder.WithWhere(where)
	}

	result, err := getBuilder.Do(ctx)
	if err != nil {
		return s.missingTenantOr(ctx, namespace, fmt.Errorf("search failed: %w", err))
	}
	if len(result.Errors) > 0 {
		return s.missingTenantOr(ctx, namespace, fmt.Errorf("search failed: %v", result.Errors[0].Message))
	}

	var out []types.ScoredRecord
	for _, item := range s.parseObjects(result) {
		if !matchesFilter(item.record.Metadata, postFilter) {
			continue
		}
		out = append(out, types.ScoredRecord{Record: item.record, Score: 1 - item.distance})
	}
	return out, nil
}

func (s *WeaviateStore) Range(ctx context.Context, namespace string, offset, limit int) ([]types.VectorRecord, error) {
	getBuilder := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithTenant(namespace).
		WithFields(recordFields...).
		WithSort(graphql.Sort{Path: []string{"chunkId"}, Order: graphql.Asc}).
		WithOffset(offset)
	if limit > 0 {
		getBuilder = getBuilder.WithLimit(limit)
	}

	result, err := getBuilder.Do(ctx)
	if err != nil {
		_, err = s.missingTenantOr(ctx, namespace, fmt.Errorf("range failed: %w", err))
		return []types.VectorRecord{}, err
	}
	if len(result.Errors) > 0 {
		_, err = s.missingTenantOr(ctx, namespace, fmt.Errorf("range failed: %v", result.Errors[0].Message))
		return []types.VectorRecord{}, err
	}

	out := []types.VectorRecord{}
	for _, item := range s.parseObjects(result) {
		out = append(out, item.record)
	}
	return out, nil
}

// missingTenantOr turns a failed read on a namespace that was never
// provisioned into an empty result.
func (s *WeaviateStore) missingTenantOr(ctx context.Context, namespace string, err error) ([]types.ScoredRecord, error) {
	if exists, existsErr := s.tenantExists(ctx, namespace); existsErr == nil && !exists {
		return nil, nil
	}
	return nil, err
}

type weaviateObject struct {
	record   types.VectorRecord
	distance float64
}

func (s *WeaviateStore) parseObjects(result *models.GraphQLResponse) []weaviateObject {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	data, ok := get[s.className].([]interface{})
	if !ok {
		return nil
	}

	var out []weaviateObject
	for _, item := range data {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rec := types.VectorRecord{Metadata: map[string]any{}}
		rec.ID, _ = obj["chunkId"].(string)
		rec.RawText, _ = obj["content"].(string)
		if raw, ok := obj["metadata"].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
				zap.L().Warn("invalid metadata on vector record", zap.String("id", rec.ID), zap.Error(err))
			}
		}
		var distance float64
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			distance, _ = additional["distance"].(float64)
		}
		out = append(out, weaviateObject{record: rec, distance: distance})
	}
	return out
}

// buildMetadataFilter splits a filter into a server-side where clause over
// column properties and the remainder, which is applied after fetching.
func buildMetadataFilter(filter map[string]string) (*filters.WhereBuilder, map[string]string) {
	var operands []*filters.WhereBuilder
	rest := map[string]string{}
	for key, value := range filter {
		prop, ok := filterableProperties[key]
		if !ok {
			rest[key] = value
			continue
		}
		operands = append(operands, filters.Where().
			WithPath([]string{prop}).
			WithOperator(filters.Equal).
			WithValueText(value))
	}

	switch len(operands) {
	case 0:
		return nil, rest
	case 1:
		return operands[0], rest
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands), rest
	}
}
