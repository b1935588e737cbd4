package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"tasklist-api/domain"
)

// maxBatch is the Table service limit for entities per transaction.
const maxBatch = 100

const (
	EdmInt32 = "Edm.Int32"
	EdmInt64 = "Edm.Int64"
)

type tableAPI interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// TableGateway stores tasks in Azure Table storage, one partition per owner.
type TableGateway struct {
	table tableAPI
	now   func() time.Time
}

// NewTableGateway creates a TableGateway from the given connection string.
func NewTableGateway(connStr, tasksTable string) (*TableGateway, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableGateway{table: svc.NewClient(tasksTable), now: time.Now}, nil
}

// entity carries the table keys without the service managed Timestamp.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entity
	Title         string `json:"Title"`
	Completed     bool   `json:"Completed"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	DueAt         string `json:"DueAt"`
	Remind        bool   `json:"Remind"`
	Reminded      bool   `json:"Reminded"`
	Tags          string `json:"Tags"`
	Order         int    `json:"Order"`
	OrderType     string `json:"Order@odata.type"`
}

type orderUpdate struct {
	entity
	Order     int    `json:"Order"`
	OrderType string `json:"Order@odata.type"`
}

func encodeTask(t domain.Task) ([]byte, error) {
	tags, err := sonic.MarshalString(domain.NormalizeTags(t.Tags))
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		entity:        entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:         t.Title,
		Completed:     t.Completed,
		CreatedAt:     t.CreatedAt.UnixMilli(),
		CreatedAtType: EdmInt64,
		Remind:        t.Remind,
		Reminded:      t.Reminded,
		Tags:          tags,
		Order:         t.Order,
		OrderType:     EdmInt32,
	}
	if t.DueAt != nil {
		ent.DueAt = t.DueAt.String()
	}
	return sonic.Marshal(ent)
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:        ent.RowKey,
		OwnerID:   ent.PartitionKey,
		Title:     ent.Title,
		Completed: ent.Completed,
		CreatedAt: time.UnixMilli(ent.CreatedAt).UTC(),
		Remind:    ent.Remind,
		Reminded:  ent.Reminded,
		Order:     ent.Order,
	}
	if ent.Tags != "" {
		if err := sonic.UnmarshalString(ent.Tags, &t.Tags); err != nil {
			return domain.Task{}, err
		}
	}
	t.Tags = domain.NormalizeTags(t.Tags)
	if ent.DueAt != "" {
		due, err := domain.ParseDate(ent.DueAt)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueAt = &due
	}
	return t, nil
}

// List retrieves all tasks in the owner's partition.
func (g *TableGateway) List(ctx context.Context, owner string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeODataString(owner) + "'"
	pager := g.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (g *TableGateway) Insert(ctx context.Context, owner string, draft domain.Draft) (domain.Task, error) {
	t := domain.Task{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Title:     draft.Title,
		CreatedAt: g.now().UTC().Truncate(time.Millisecond),
		DueAt:     draft.DueAt,
		Remind:    draft.Remind,
		Tags:      domain.NormalizeTags(draft.Tags),
	}
	payload, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := g.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (g *TableGateway) Update(ctx context.Context, owner, id string, patch domain.Patch) (domain.Task, error) {
	cols, err := patchColumns(patch)
	if err != nil {
		return domain.Task{}, err
	}
	return g.merge(ctx, owner, id, patch.Apply, cols)
}

func (g *TableGateway) SetCompleted(ctx context.Context, owner, id string, completed bool) (domain.Task, error) {
	return g.merge(ctx, owner, id, func(t domain.Task) domain.Task {
		t.Completed = completed
		return t
	}, map[string]any{"Completed": completed})
}

// merge writes only cols, unconditionally, so a reorder or another field update landing
// between the read and the write keeps its columns. The last write wins per column.
func (g *TableGateway) merge(ctx context.Context, owner, id string, fn func(domain.Task) domain.Task, cols map[string]any) (domain.Task, error) {
	resp, err := g.table.GetEntity(ctx, owner, id, nil)
	if err != nil {
		return domain.Task{}, mapNotFound(err)
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return domain.Task{}, err
	}
	t = fn(t)

	cols["PartitionKey"] = owner
	cols["RowKey"] = id
	payload, err := sonic.Marshal(cols)
	if err != nil {
		return domain.Task{}, err
	}
	etag := azcore.ETagAny
	if _, err := g.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return domain.Task{}, mapNotFound(err)
	}
	return t, nil
}

func patchColumns(p domain.Patch) (map[string]any, error) {
	cols := map[string]any{}
	if p.Title != nil {
		cols["Title"] = *p.Title
	}
	if p.Tags != nil {
		tags, err := sonic.MarshalString(domain.NormalizeTags(*p.Tags))
		if err != nil {
			return nil, err
		}
		cols["Tags"] = tags
	}
	if p.DueAt != nil {
		cols["DueAt"] = p.DueAt.String()
	}
	if p.ClearDue {
		cols["DueAt"] = ""
	}
	if p.Remind != nil {
		cols["Remind"] = *p.Remind
	}
	return cols, nil
}

func (g *TableGateway) Delete(ctx context.Context, owner, id string) error {
	_, err := g.table.DeleteEntity(ctx, owner, id, nil)
	return mapNotFound(err)
}

// BulkSetOrder merges the new orders in entity group transactions. Assignments beyond
// one transaction are split, so a failure can leave earlier batches applied.
func (g *TableGateway) BulkSetOrder(ctx context.Context, owner string, orders []domain.OrderAssignment) error {
	for _, batch := range chunkOrders(orders, maxBatch) {
		actions := make([]aztables.TransactionAction, 0, len(batch))
		for _, o := range batch {
			payload, err := sonic.Marshal(orderUpdate{entity: entity{PartitionKey: owner, RowKey: o.ID}, Order: o.Order, OrderType: EdmInt32})
			if err != nil {
				return err
			}
			et := azcore.ETagAny
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeUpdateMerge,
				Entity:     payload,
				IfMatch:    &et,
			})
		}
		if _, err := g.table.SubmitTransaction(ctx, actions, nil); err != nil {
			return mapNotFound(err)
		}
	}
	return nil
}

func chunkOrders(orders []domain.OrderAssignment, size int) [][]domain.OrderAssignment {
	var out [][]domain.OrderAssignment
	for len(orders) > size {
		out = append(out, orders[:size])
		orders = orders[size:]
	}
	if len(orders) > 0 {
		out = append(out, orders)
	}
	return out
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return err
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
