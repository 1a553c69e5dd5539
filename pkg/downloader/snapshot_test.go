package downloader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("HubClient", func() {
	const sha = "0123456789abcdef0123456789abcdef01234567"

	var (
		server    *httptest.Server
		cacheDir  string
		downloads atomic.Int32
		authSeen  atomic.Value
	)

	BeforeEach(func() {
		cacheDir = GinkgoT().TempDir()
		downloads.Store(0)

		mux := http.NewServeMux()
		mux.HandleFunc("/api/models/owner/repo", func(w http.ResponseWriter, r *http.Request) {
			authSeen.Store(r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]any{
				"sha": sha,
				"siblings": []map[string]string{
					{"rfilename": "model_index.json"},
					{"rfilename": "unet/config.json"},
					{"rfilename": "unet/diffusion_pytorch_model.safetensors"},
					{"rfilename": "unet/diffusion_pytorch_model.fp16.safetensors"},
					{"rfilename": "README.md"},
				},
			})
		})
		mux.HandleFunc("/owner/repo/resolve/"+sha+"/", func(w http.ResponseWriter, r *http.Request) {
			downloads.Add(1)
			w.Write([]byte("content of " + strings.TrimPrefix(r.URL.Path, "/owner/repo/resolve/"+sha+"/")))
		})
		server = httptest.NewServer(mux)
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func(opts ...HubOption) *HubClient {
		return NewHubClient(append([]HubOption{WithEndpoint(server.URL), WithCacheDir(cacheDir), WithToken("secret")}, opts...)...)
	}

	It("downloads the selected files into the cache layout", func() {
		var reported []string
		c := newClient(WithProgress(func(fileName, current, total string, percentage float64) {
			reported = append(reported, fileName)
		}))

		snapshot, err := c.Snapshot(context.Background(), "owner/repo", "", "fp16")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot).To(Equal(filepath.Join(cacheDir, "models--owner--repo", "snapshots", sha)))
		Expect(authSeen.Load()).To(Equal("Bearer secret"))

		data, err := os.ReadFile(filepath.Join(snapshot, "unet", "diffusion_pytorch_model.fp16.safetensors"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("content of unet/diffusion_pytorch_model.fp16.safetensors"))
		Expect(filepath.Join(snapshot, "unet", "diffusion_pytorch_model.safetensors")).ToNot(BeAnExistingFile())
		Expect(filepath.Join(snapshot, "README.md")).ToNot(BeAnExistingFile())
		Expect(downloads.Load()).To(BeEquivalentTo(3))
		Expect(reported).To(ContainElement("model_index.json"))

		ref, err := os.ReadFile(filepath.Join(cacheDir, "models--owner--repo", "refs", "main"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(ref)).To(Equal(sha))
	})

	It("does not download cached files twice", func() {
		c := newClient()
		_, err := c.Snapshot(context.Background(), "owner/repo", "", "")
		Expect(err).ToNot(HaveOccurred())
		_, err = c.Snapshot(context.Background(), "owner/repo", "", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(downloads.Load()).To(BeEquivalentTo(3))
	})

	It("serves cached snapshots when offline", func() {
		_, err := newClient().Snapshot(context.Background(), "owner/repo", "", "")
		Expect(err).ToNot(HaveOccurred())

		snapshot, err := newClient(WithLocalFilesOnly(true)).Snapshot(context.Background(), "owner/repo", "", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(filepath.Base(snapshot)).To(Equal(sha))
	})

	It("fails offline without a cache", func() {
		_, err := newClient(WithLocalFilesOnly(true)).Snapshot(context.Background(), "owner/other", "", "")
		Expect(err).To(MatchError(ErrNotCached))
	})

	It("fails for unknown repositories", func() {
		_, err := newClient().Snapshot(context.Background(), "owner/missing", "", "")
		Expect(err).To(HaveOccurred())
	})
})
