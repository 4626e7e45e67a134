package couchbase

import (
	"context"

	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// Client is the patient store: connection, load lock and documents behind
// one handle.
type Client struct {
	connManager *ConnectionManager
	docManager  *DocumentManager
	locker      *LoadLocker
}

// NewClient connects to Couchbase. owner names this process in the load
// lock; workers bounds concurrent writes.
func NewClient(ctx context.Context, opts Options, owner string, workers int) (*Client, error) {
	connManager, err := NewConnectionManager(ctx, opts)
	if err != nil {
		return nil, err
	}

	locker := NewLoadLocker(connManager.GetBucket(), owner, DefaultLockTTL)

	return &Client{
		connManager: connManager,
		docManager:  NewDocumentManager(connManager, locker, workers),
		locker:      locker,
	}, nil
}

// Close closes the Couchbase connection
func (c *Client) Close() error {
	return c.connManager.Close()
}

// Lock takes the load lock.
func (c *Client) Lock(ctx context.Context) error {
	return c.locker.Lock(ctx)
}

// Unlock releases the load lock.
func (c *Client) Unlock(ctx context.Context) error {
	return c.locker.Unlock(ctx)
}

// UpsertPatients stores records under the held load lock.
func (c *Client) UpsertPatients(ctx context.Context, extractID string, records []patient.Record) (UpsertResult, error) {
	return c.docManager.UpsertPatients(ctx, extractID, records)
}

// PurgeStale removes patients left over from earlier extracts.
func (c *Client) PurgeStale(ctx context.Context, extractID string) (int, error) {
	return c.docManager.PurgeStale(ctx, extractID)
}

// LoadDataset reads the stored extract.
func (c *Client) LoadDataset(ctx context.Context, schema *patient.Schema) (*patient.Dataset, error) {
	return c.docManager.LoadDataset(ctx, schema)
}
