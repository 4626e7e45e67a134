package couchbase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"
)

// Options configures the cluster connection.
type Options struct {
	URL            string
	Username       string
	Password       string
	Bucket         string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// ConnectionManager handles Couchbase cluster and bucket connections
type ConnectionManager struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	bucketName string
}

// ConnectionString normalises a configured URL to a gocb connection
// string. http and https map to couchbase and couchbases; a bare host gets
// the plain couchbase scheme.
func ConnectionString(url string) string {
	switch {
	case strings.HasPrefix(url, "couchbase://"), strings.HasPrefix(url, "couchbases://"):
		return url
	case strings.HasPrefix(url, "http://"):
		return "couchbase://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		return "couchbases://" + strings.TrimPrefix(url, "https://")
	default:
		return "couchbase://" + url
	}
}

// NewConnectionManager connects to the cluster, waits for the bucket to
// serve key-value and query traffic and makes sure the indexes the store
// relies on exist.
func NewConnectionManager(ctx context.Context, opts Options) (*ConnectionManager, error) {
	connectionString := ConnectionString(opts.URL)

	cluster, err := gocb.Connect(connectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: opts.Username,
			Password: opts.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout:    opts.ConnectTimeout,
			KVTimeout:         5 * time.Second,
			QueryTimeout:      opts.QueryTimeout,
			ManagementTimeout: 30 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Couchbase: %w", err)
	}

	bucket := cluster.Bucket(opts.Bucket)
	err = bucket.WaitUntilReady(90*time.Second, &gocb.WaitUntilReadyOptions{
		Context:      ctx,
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue, gocb.ServiceTypeQuery},
	})
	if err != nil {
		cluster.Close(nil)
		return nil, fmt.Errorf("bucket %q is not ready: %w", opts.Bucket, err)
	}

	cm := &ConnectionManager{cluster: cluster, bucket: bucket, bucketName: opts.Bucket}
	if err := cm.ensureIndexes(ctx); err != nil {
		cluster.Close(nil)
		return nil, err
	}

	log.Info().
		Str("couchbase_url", connectionString).
		Str("bucket", opts.Bucket).
		Msg("Couchbase connection initialized successfully")

	return cm, nil
}

func (cm *ConnectionManager) ensureIndexes(ctx context.Context) error {
	keyspace := quoteIdentifier(cm.bucketName)
	queries := []string{
		fmt.Sprintf("CREATE PRIMARY INDEX IF NOT EXISTS ON %s", keyspace),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_doc_type ON %s(docType, extractId)", keyspace),
	}
	for _, q := range queries {
		if _, err := cm.cluster.Query(q, &gocb.QueryOptions{Context: ctx}); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Close closes the Couchbase connection
func (cm *ConnectionManager) Close() error {
	if cm.cluster != nil {
		return cm.cluster.Close(nil)
	}
	return nil
}

// GetBucket returns the bucket instance
func (cm *ConnectionManager) GetBucket() *gocb.Bucket {
	return cm.bucket
}

// GetCluster returns the cluster instance
func (cm *ConnectionManager) GetCluster() *gocb.Cluster {
	return cm.cluster
}

// Keyspace returns the quoted bucket name for N1QL statements.
func (cm *ConnectionManager) Keyspace() string {
	return quoteIdentifier(cm.bucketName)
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
