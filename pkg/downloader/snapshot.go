package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/mudler/sdxl-worker/pkg/utils"
	"github.com/mudler/xlog"
)

var ErrNotCached = errors.New("snapshot not found in cache")

type modelInfo struct {
	Sha      string `json:"sha"`
	Siblings []struct {
		RFileName string `json:"rfilename"`
	} `json:"siblings"`
}

// Snapshot makes the pipeline files of repository available on disk and returns the snapshot directory.
// variant selects the weight files ("fp16" or "" for the standard ones).
func (c *HubClient) Snapshot(ctx context.Context, repository, revision, variant string) (string, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	storage := filepath.Join(c.CacheDir, repoFolderName(repository))

	if c.LocalFilesOnly {
		return findCachedSnapshot(storage, revision)
	}

	info, err := c.modelInfo(ctx, repository, revision)
	if err != nil {
		if cached, cerr := findCachedSnapshot(storage, revision); cerr == nil {
			xlog.Warn("hub unreachable, using cached snapshot", "repository", repository, "error", err)
			return cached, nil
		}
		return "", err
	}

	snapshot := filepath.Join(storage, "snapshots", info.Sha)
	if revision != info.Sha {
		ref := filepath.Join(storage, "refs", revision)
		if err := os.MkdirAll(filepath.Dir(ref), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(ref, []byte(info.Sha), 0644); err != nil {
			return "", fmt.Errorf("failed to cache revision: %w", err)
		}
	}

	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		files = append(files, s.RFileName)
	}
	files = selectFiles(files, variant)
	if len(files) == 0 {
		return "", fmt.Errorf("repository %s has no pipeline files", repository)
	}

	xlog.Info("downloading snapshot", "repository", repository, "revision", info.Sha, "files", len(files))
	for i, f := range files {
		if err := utils.VerifyPath(f, snapshot); err != nil {
			return "", fmt.Errorf("refusing to write %q: %w", f, err)
		}
		if err := c.downloadFile(ctx, repository, info.Sha, f, filepath.Join(snapshot, f), i, len(files)); err != nil {
			return "", err
		}
	}

	return snapshot, nil
}

func (c *HubClient) newRequest(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *HubClient) modelInfo(ctx context.Context, repository, revision string) (*modelInfo, error) {
	u := fmt.Sprintf("%s/api/models/%s", c.Endpoint, repository)
	if revision != DefaultRevision {
		u = fmt.Sprintf("%s/revision/%s", u, url.PathEscape(revision))
	}

	req, err := c.newRequest(ctx, u)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("repository info for %s: unexpected status %d", repository, resp.StatusCode)
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse repository info: %w", err)
	}
	if info.Sha == "" {
		return nil, fmt.Errorf("invalid repository info for %s: missing commit hash", repository)
	}
	return &info, nil
}

func (c *HubClient) downloadFile(ctx context.Context, repository, sha, name, dst string, fileNo, totalFiles int) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	lock := flock.New(dst + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", dst, err)
	}
	defer func() {
		lock.Unlock()
		os.Remove(dst + ".lock")
	}()

	if _, err := os.Stat(dst); err == nil {
		xlog.Debug("file already cached", "file", name)
		return nil
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.Endpoint, repository, sha, name)
	req, err := c.newRequest(ctx, u)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("failed to download %s: status %d", name, resp.StatusCode)
	}

	partial := dst + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return err
	}

	progress := &progressWriter{
		ctx:            ctx,
		fileName:       name,
		total:          resp.ContentLength,
		fileNo:         fileNo,
		totalFiles:     totalFiles,
		downloadStatus: c.progress,
	}
	_, err = io.Copy(io.MultiWriter(out, progress), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return os.Rename(partial, dst)
}

func findCachedSnapshot(storage, revision string) (string, error) {
	sha := revision
	if data, err := os.ReadFile(filepath.Join(storage, "refs", revision)); err == nil {
		sha = strings.TrimSpace(string(data))
	}
	snapshot := filepath.Join(storage, "snapshots", sha)
	if st, err := os.Stat(snapshot); err == nil && st.IsDir() {
		return snapshot, nil
	}
	return "", fmt.Errorf("%w: %s@%s", ErrNotCached, filepath.Base(storage), revision)
}
