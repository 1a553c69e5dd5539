package downloader

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mudler/sdxl-worker/pkg/utils"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
	userAgent       = "sdxl-worker"
)

// ProgressFunc receives download progress: file name, bytes so far, total bytes, overall percentage.
type ProgressFunc func(fileName, current, total string, percentage float64)

// HubClient downloads repository snapshots into a HuggingFace compatible cache layout.
type HubClient struct {
	Endpoint       string
	Token          string
	CacheDir       string
	LocalFilesOnly bool

	httpClient *http.Client
	progress   ProgressFunc
}

type HubOption func(*HubClient)

func WithEndpoint(endpoint string) HubOption {
	return func(c *HubClient) {
		if endpoint != "" {
			c.Endpoint = strings.TrimSuffix(endpoint, "/")
		}
	}
}

func WithToken(token string) HubOption {
	return func(c *HubClient) {
		if token != "" {
			c.Token = token
		}
	}
}

func WithCacheDir(dir string) HubOption {
	return func(c *HubClient) {
		if dir != "" {
			c.CacheDir = dir
		}
	}
}

func WithLocalFilesOnly(b bool) HubOption {
	return func(c *HubClient) {
		c.LocalFilesOnly = b
	}
}

func WithHTTPClient(client *http.Client) HubOption {
	return func(c *HubClient) {
		c.httpClient = client
	}
}

func WithProgress(fn ProgressFunc) HubOption {
	return func(c *HubClient) {
		c.progress = fn
	}
}

// NewHubClient reads HF_ENDPOINT, HF_TOKEN, HF_HUB_CACHE, HF_HOME, XDG_CACHE_HOME and HF_HUB_OFFLINE;
// options take precedence.
func NewHubClient(opts ...HubOption) *HubClient {
	c := &HubClient{
		Endpoint:       DefaultEndpoint,
		Token:          token(),
		CacheDir:       defaultCacheDir(),
		LocalFilesOnly: os.Getenv("HF_HUB_OFFLINE") == "1",
		httpClient:     http.DefaultClient,
		progress:       func(string, string, string, float64) {},
	}
	if e := os.Getenv("HF_ENDPOINT"); e != "" {
		c.Endpoint = strings.TrimSuffix(e, "/")
	}
	for _, o := range opts {
		o(c)
	}
	if expanded, err := utils.ExpandPath(c.CacheDir); err == nil {
		c.CacheDir = expanded
	}
	return c
}

func defaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "huggingface", "hub")
	}
	return filepath.Join("~", ".cache", "huggingface", "hub")
}

func token() string {
	if t := os.Getenv("HF_TOKEN"); t != "" {
		return t
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".cache", "huggingface", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// repoFolderName converts "owner/repo" into "models--owner--repo".
func repoFolderName(repository string) string {
	return strings.Join(append([]string{"models"}, strings.Split(repository, "/")...), "--")
}
