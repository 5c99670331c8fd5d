package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RepoClient is the remote protocol abstraction spec.md §4.3 describes:
// a metadata query, a file-list/tree query, and a ranged byte GET.
type RepoClient interface {
	Metadata(ctx context.Context, repoID string) (RepoMetadata, error)
	Tree(ctx context.Context, repoID, revision string) ([]RepoFile, error)
	GetRange(ctx context.Context, repoID, revision, path string, offset int64) (io.ReadCloser, int64, error)
}

type RepoMetadata struct {
	Revision string
	Files    []string
}

type RepoFile struct {
	Path  string
	Bytes int64
}

// HFClient implements RepoClient against a Hugging-Face-shaped REST
// surface — the only repository host the source talks to (spec.md §4.3).
type HFClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHFClient(baseURL, token string) *HFClient {
	if baseURL == "" {
		baseURL = "https://huggingface.co"
	}
	return &HFClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *HFClient) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

type hfModelInfo struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

func (c *HFClient) Metadata(ctx context.Context, repoID string) (RepoMetadata, error) {
	url := fmt.Sprintf("%s/api/models/%s", c.BaseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RepoMetadata{}, err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return RepoMetadata{}, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RepoMetadata{}, fmt.Errorf("metadata request returned %s", resp.Status)
	}
	var info hfModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return RepoMetadata{}, err
	}
	md := RepoMetadata{Revision: info.SHA}
	for _, s := range info.Siblings {
		md.Files = append(md.Files, s.RFilename)
	}
	return md, nil
}

type hfTreeEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

func (c *HFClient) Tree(ctx context.Context, repoID, revision string) ([]RepoFile, error) {
	url := fmt.Sprintf("%s/api/models/%s/tree/%s", c.BaseURL, repoID, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tree request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tree request returned %s", resp.Status)
	}
	var entries []hfTreeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	var files []RepoFile
	for _, e := range entries {
		if e.Type == "file" {
			files = append(files, RepoFile{Path: e.Path, Bytes: e.Size})
		}
	}
	return files, nil
}

func (c *HFClient) GetRange(ctx context.Context, repoID, revision, path string, offset int64) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.BaseURL, repoID, revision, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	c.authorize(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("range get failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("range get returned %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
