package redis

import (
	"context"

	"github.com/leozw/certiroute/internal/core"
)

const snapshotKey = "certiroute:detections:latest"

// SnapshotCache keeps the latest host detection snapshot as one JSON
// document, so a reader on another process sees a whole scan or the previous
// one.
type SnapshotCache struct {
	client *Client
}

func NewSnapshotCache(client *Client) *SnapshotCache {
	return &SnapshotCache{client: client}
}

func (s *SnapshotCache) Load(ctx context.Context) (*core.DetectionSnapshot, error) {
	var snap core.DetectionSnapshot
	ok, err := s.client.getJSON(ctx, snapshotKey, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotCache) Store(ctx context.Context, snapshot core.DetectionSnapshot) error {
	return s.client.setJSON(ctx, snapshotKey, snapshot)
}
