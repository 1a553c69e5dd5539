package sidecar_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/mudler/sdxl-worker/pkg/model"
	. "github.com/mudler/sdxl-worker/pkg/runtime/sidecar"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeSidecar struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]map[string]any
	failures map[string]map[string]string
	healthy  bool
}

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{
		bodies:   map[string]map[string]any{},
		failures: map[string]map[string]string{},
		healthy:  true,
	}
}

func (f *fakeSidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/health" {
		if !f.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	f.calls = append(f.calls, r.URL.Path)
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies[r.URL.Path] = body

	w.Header().Set("Content-Type", "application/json")
	if failure, ok := f.failures[r.URL.Path]; ok {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(failure)
		return
	}

	switch r.URL.Path {
	case "/load":
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "p-1"})
	case "/generate":
		n := int(body["num_images_per_prompt"].(float64))
		images := make([]string, 0, n)
		for range n {
			var buf bytes.Buffer
			_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16)))
			images = append(images, base64.StdEncoding.EncodeToString(buf.Bytes()))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"images": images})
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (f *fakeSidecar) fail(path, errorType, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = map[string]string{"error": msg, "error_type": errorType}
}

func (f *fakeSidecar) body(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

var _ = Describe("Sidecar runtime", func() {
	var (
		fake   *fakeSidecar
		server *httptest.Server
		rt     *Runtime
		ctx    = context.Background()
	)

	BeforeEach(func() {
		fake = newFakeSidecar()
		server = httptest.NewServer(fake)
		DeferCleanup(server.Close)
		rt = Dial(server.URL)
	})

	It("drives a pipeline over HTTP", func() {
		p, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{DType: model.DTypeFloat16, Variant: "fp16", UseSafetensors: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(fake.body("/load")).To(HaveKeyWithValue("location", "/models/sdxl"))
		Expect(fake.body("/load")).To(HaveKeyWithValue("variant", "fp16"))
		Expect(fake.body("/load")).To(HaveKeyWithValue("dtype", "float16"))

		Expect(p.UseScheduler(model.DefaultScheduler)).To(Succeed())
		Expect(fake.body("/scheduler")).To(HaveKeyWithValue("name", model.DefaultScheduler))
		Expect(p.To(model.DeviceCUDA)).To(Succeed())
		Expect(fake.body("/to")).To(HaveKeyWithValue("device", "cuda"))
		Expect(p.EnableModelCPUOffload()).To(Succeed())
		Expect(fake.body("/toggle")).To(HaveKeyWithValue("name", "model_cpu_offload"))

		seed := int64(42)
		images, err := p.Generate(ctx, model.GenerateParams{Prompt: "x", Width: 16, Height: 16, Steps: 10, Images: 2, Seed: &seed})
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(2))
		Expect(fake.body("/generate")).To(HaveKeyWithValue("handle", "p-1"))
		Expect(fake.body("/generate")).To(HaveKeyWithValue("seed", 42.0))

		Expect(p.Release()).To(Succeed())
		rt.EmptyCache()
		Expect(fake.calls).To(ContainElements("/release", "/empty_cache"))
		Expect(rt.Close()).To(Succeed())
	})

	It("maps out of memory failures", func() {
		p, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{})
		Expect(err).ToNot(HaveOccurred())

		fake.fail("/generate", ErrorTypeOOM, "CUDA out of memory")
		_, err = p.Generate(ctx, model.GenerateParams{Prompt: "x", Images: 1})
		Expect(err).To(MatchError(model.ErrOutOfMemory))
		Expect(err.Error()).To(ContainSubstring("CUDA out of memory"))
	})

	It("maps missing variants", func() {
		fake.fail("/load", ErrorTypeVariant, "no fp16 weights")
		_, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{Variant: "fp16"})
		Expect(err).To(MatchError(model.ErrVariantUnavailable))
	})

	It("keeps other failures generic", func() {
		fake.fail("/load", "", "bad bundle")
		_, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{})
		Expect(err).To(MatchError(ContainSubstring("bad bundle")))
		Expect(err).ToNot(MatchError(model.ErrOutOfMemory))
	})

	It("waits for the sidecar to become healthy", func() {
		client := NewClient(server.URL)
		Expect(client.WaitHealthy(ctx, time.Second)).To(Succeed())

		fake.mu.Lock()
		fake.healthy = false
		fake.mu.Unlock()
		Expect(client.WaitHealthy(ctx, 700*time.Millisecond)).To(MatchError(ContainSubstring("did not become healthy")))
	})

	It("connects to a sidecar started elsewhere", func() {
		connected, err := Connect(ctx, server.URL, time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(connected.Address()).To(Equal(server.URL))

		_, err = connected.Load(ctx, "/models/sdxl", model.LoadOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(connected.Close()).To(Succeed())
	})

	It("gives up on a sidecar that never becomes healthy", func() {
		fake.mu.Lock()
		fake.healthy = false
		fake.mu.Unlock()

		_, err := Connect(ctx, server.URL, 700*time.Millisecond)
		Expect(err).To(MatchError(ContainSubstring("did not become healthy")))
	})

	It("refuses to start without a command", func() {
		_, err := Start(ctx, "", nil, time.Second)
		Expect(err).To(HaveOccurred())
	})
})
