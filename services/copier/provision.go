package copier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dbcopier/pkg/copyerr"
)

// ClusterLookup maps a destination connection to its cloud cluster id.
type ClusterLookup interface {
	ClusterID(connection string) (string, bool)
}

// CloudProvisioner creates databases through the cloud provider's
// database cluster API.
type CloudProvisioner struct {
	baseURL  string
	token    string
	clusters ClusterLookup
	client   *http.Client
	settle   time.Duration
}

// NewCloudProvisioner returns a provisioner posting to baseURL. settle is
// waited after every successful creation so the new database is reachable
// before the schema restore connects.
func NewCloudProvisioner(baseURL, token string, clusters ClusterLookup, client *http.Client, settle time.Duration) *CloudProvisioner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudProvisioner{
		baseURL:  baseURL,
		token:    token,
		clusters: clusters,
		client:   client,
		settle:   settle,
	}
}

// CreateDatabase creates database on the cluster backing connection.
func (p *CloudProvisioner) CreateDatabase(ctx context.Context, connection, database string) error {
	clusterID, ok := p.clusters.ClusterID(connection)
	if !ok || clusterID == "" {
		return copyerr.New(copyerr.Configuration, "missing cloud cluster id for destination connection [%s]", connection)
	}
	if p.token == "" || p.baseURL == "" {
		return copyerr.New(copyerr.Configuration, "cloud API configuration is incomplete")
	}

	endpoint := strings.TrimRight(p.baseURL, "/") + "/databases/clusters/" + url.PathEscape(clusterID) + "/databases"
	body, err := json.Marshal(map[string]string{"name": database})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return copyerr.Wrap(copyerr.Configuration, err, "cloud API request")
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return copyerr.Wrap(copyerr.Provisioning, err, "cloud database creation failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return copyerr.New(copyerr.Provisioning, "cloud database creation failed: HTTP %d %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if p.settle <= 0 {
		return nil
	}
	timer := time.NewTimer(p.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
