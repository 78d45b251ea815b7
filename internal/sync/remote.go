package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vaultline/entitystore/internal/entity"
)

// HTTPRemoteClient pushes change-set blob ids to the authoritative node's
// sync endpoint.
type HTTPRemoteClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPRemoteClient builds a client for the authoritative endpoint. The
// token is sent as a bearer credential on every push.
func NewHTTPRemoteClient(endpoint, token string) (*HTTPRemoteClient, error) {
	if endpoint == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "remote.new", Message: "endpoint is required"}
	}
	return &HTTPRemoteClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SyncChangeSet posts the blob id to the push surface.
func (c *HTTPRemoteClient) SyncChangeSet(ctx context.Context, changeSetBlobID string) error {
	body, err := json.Marshal(map[string]string{"changeSetBlobId": changeSetBlobID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sync/change-set", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return entity.OpErr(entity.KindBackendUnavailable, "remote.syncChangeSet", "sync", changeSetBlobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return entity.OpErr(entity.KindBackendUnavailable, "remote.syncChangeSet", "sync", changeSetBlobID,
			fmt.Errorf("push rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	return nil
}
