package delayed

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"delayflow/internal/buffer"
	flowerrors "delayflow/internal/errors"
	"delayflow/internal/model"
)

const CohortUpdatesKey = "cohort_updates"

type Client struct {
	buf buffer.HashBuffer
	now func() time.Time
}

func NewClient(buf buffer.HashBuffer) *Client {
	return &Client{buf: buf, now: time.Now}
}

func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Client) Buffer() buffer.HashBuffer {
	return c.buf
}

func (c *Client) ForProject(projectID int64) *ProjectClient {
	return &ProjectClient{projectID: projectID, buf: c.buf}
}

func (c *Client) Enqueue(ctx context.Context, ev model.BufferedEvent) error {
	return c.EnqueueMany(ctx, []model.BufferedEvent{ev})
}

func (c *Client) EnqueueMany(ctx context.Context, events []model.BufferedEvent) error {
	if len(events) == 0 {
		return nil
	}
	byProject := make(map[int64]map[string]string)
	for _, ev := range events {
		value, err := ev.EventRef.Encode()
		if err != nil {
			return err
		}
		fields, ok := byProject[ev.ProjectID]
		if !ok {
			fields = make(map[string]string)
			byProject[ev.ProjectID] = fields
		}
		fields[model.FieldKey(ev.RuleID, ev.GroupID)] = value
	}
	ids := make([]int64, 0, len(byProject))
	for id, fields := range byProject {
		if err := c.buf.PushToHash(ctx, id, "", fields); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	// The pending mark goes last so a scheduler never sees a project before its data.
	return c.AddProjectIDs(ctx, ids, UnixSeconds(c.now()))
}

func (c *Client) AddProjectIDs(ctx context.Context, ids []int64, ts float64) error {
	return c.buf.AddShardKeys(ctx, ids, ts)
}

func (c *Client) GetProjectIDs(ctx context.Context, min, max float64) (map[int64]float64, error) {
	return c.buf.GetShardKeys(ctx, min, max)
}

// MarkProjectsProcessed removes a project only where its stored touch is not
// newer than the snapshot in all.
func (c *Client) MarkProjectsProcessed(ctx context.Context, processed []int64, all map[int64]float64) error {
	if len(processed) == 0 {
		return nil
	}
	byScore := make(map[float64][]int64)
	for _, id := range processed {
		score, ok := all[id]
		if !ok {
			continue
		}
		byScore[score] = append(byScore[score], id)
	}
	scores := make([]float64, 0, len(byScore))
	for s := range byScore {
		scores = append(scores, s)
	}
	sort.Float64s(scores)
	for _, s := range scores {
		if err := c.buf.RemoveShardKeys(ctx, byScore[s], s); err != nil {
			return err
		}
	}
	return nil
}

// Live fields win over restored ones; they carry newer events for the pair.
func (c *Client) RestoreBatch(ctx context.Context, projectID int64, batchKey string) (int, error) {
	p := c.ForProject(projectID)
	data, err := p.GetHashData(ctx, batchKey)
	if err != nil || len(data) == 0 {
		return 0, err
	}
	live, err := p.GetHashData(ctx, "")
	if err != nil {
		return 0, err
	}
	for k := range live {
		delete(data, k)
	}
	if len(data) > 0 {
		if err := p.PushToHash(ctx, "", data); err != nil {
			return 0, err
		}
	}
	if err := c.AddProjectIDs(ctx, []int64{projectID}, UnixSeconds(c.now())); err != nil {
		return 0, err
	}
	return len(data), p.DeleteHash(ctx, batchKey)
}

func (c *Client) FetchUpdates(ctx context.Context) (*model.CohortUpdates, error) {
	raw, err := c.buf.GetBlob(ctx, CohortUpdatesKey)
	if err != nil {
		return nil, err
	}
	updates := model.NewCohortUpdates()
	if len(raw) == 0 {
		return updates, nil
	}
	if err := json.Unmarshal(raw, updates); err != nil {
		return nil, flowerrors.NewCorruptBlob("decode cohort updates", err)
	}
	if updates.Values == nil {
		updates.Values = make(map[int]float64)
	}
	return updates, nil
}

func (c *Client) PersistUpdates(ctx context.Context, updates *model.CohortUpdates) error {
	data, err := json.Marshal(updates)
	if err != nil {
		return flowerrors.NewInternalError("encode cohort updates", err)
	}
	return c.buf.SetBlob(ctx, CohortUpdatesKey, data)
}

type ProjectClient struct {
	projectID int64
	buf       buffer.HashBuffer
}

func (p *ProjectClient) ProjectID() int64 {
	return p.projectID
}

func (p *ProjectClient) PushToHash(ctx context.Context, batchKey string, fields map[string]string) error {
	return p.buf.PushToHash(ctx, p.projectID, batchKey, fields)
}

func (p *ProjectClient) GetHashData(ctx context.Context, batchKey string) (map[string]string, error) {
	return p.buf.GetHashData(ctx, p.projectID, batchKey)
}

func (p *ProjectClient) DeleteHash(ctx context.Context, batchKey string) error {
	return p.buf.DeleteHash(ctx, p.projectID, batchKey)
}

func (p *ProjectClient) DeleteHashFields(ctx context.Context, batchKey string, fields []string) error {
	return p.buf.DeleteHashFields(ctx, p.projectID, batchKey, fields)
}

// A zero ttl keeps the batch forever.
func (p *ProjectClient) WriteBatch(ctx context.Context, fields map[string]string, ttl time.Duration) (string, error) {
	batchKey := uuid.NewString()
	if err := p.buf.PushToHash(ctx, p.projectID, batchKey, fields); err != nil {
		return "", err
	}
	if ttl > 0 {
		if err := p.buf.ExpireHash(ctx, p.projectID, batchKey, ttl); err != nil {
			return "", err
		}
	}
	return batchKey, nil
}

func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
