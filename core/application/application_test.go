package application_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/mudler/sdxl-worker/core/application"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/core/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeBundle(dir string) {
	GinkgoHelper()
	files := map[string]string{
		"model_index.json":                         `{"_class_name": "StableDiffusionXLPipeline"}`,
		"text_encoder/config.json":                 `{}`,
		"text_encoder/model.safetensors":           "w",
		"text_encoder_2/config.json":               `{}`,
		"text_encoder_2/model.safetensors":         "w",
		"unet/config.json":                         `{}`,
		"unet/diffusion_pytorch_model.safetensors": "w",
		"vae/config.json":                          `{}`,
		"vae/diffusion_pytorch_model.safetensors":  "w",
		"scheduler/scheduler_config.json":          `{}`,
		"tokenizer/tokenizer_config.json":          `{}`,
		"tokenizer_2/tokenizer_config.json":        `{}`,
	}
	for rel, content := range files {
		p := filepath.Join(dir, rel)
		Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
		Expect(os.WriteFile(p, []byte(content), 0644)).To(Succeed())
	}
}

var _ = Describe("Application", func() {
	var volume string

	BeforeEach(func() {
		volume = GinkgoT().TempDir()
		writeBundle(volume)
	})

	newApp := func(opts ...config.AppOption) *Application {
		GinkgoHelper()
		app, err := New(append([]config.AppOption{
			config.WithSources(volume),
			config.WithDevice("cpu"),
			config.WithRuntimeBackend("mock"),
		}, opts...)...)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { _ = app.Shutdown(context.Background()) })
		return app
	}

	It("preloads the model on start", func() {
		app := newApp()
		Expect(app.Ready()).To(BeFalse())
		app.Start()
		Expect(app.Ready()).To(BeTrue())

		res := app.Handler().Handle(context.Background(), schema.Job{ID: "1", Input: schema.JobInput{Prompt: "a lighthouse"}})
		Expect(res.Status).To(Equal(schema.StatusSuccess))
		Expect(res.Images).To(HaveLen(1))
	})

	It("keeps serving when preload fails", func() {
		app := newApp(config.WithSources(filepath.Join(volume, "missing")))
		app.Start()
		Expect(app.Ready()).To(BeFalse())

		res := app.Handler().Handle(context.Background(), schema.Job{ID: "1", Input: schema.JobInput{Prompt: "a lighthouse"}})
		Expect(res.Status).To(Equal(schema.StatusError))
	})

	It("loads lazily when preload is disabled", func() {
		app := newApp(config.WithPreload(false))
		app.Start()
		Expect(app.Ready()).To(BeFalse())

		res := app.Handler().Handle(context.Background(), schema.Job{ID: "1", Input: schema.JobInput{Prompt: "a lighthouse"}})
		Expect(res.Status).To(Equal(schema.StatusSuccess))
		Expect(app.Ready()).To(BeTrue())
	})

	It("rejects unknown runtimes", func() {
		_, err := New(config.WithSources(volume), config.WithRuntimeBackend("tensorrt"))
		Expect(err).To(MatchError(ContainSubstring("unknown runtime backend")))
	})

	It("attaches to a sidecar runtime by address", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		DeferCleanup(server.Close)

		app, err := New(
			config.WithSources(volume),
			config.WithDevice("cpu"),
			config.WithRuntimeBackend("sidecar"),
			config.WithRuntimeAddress(server.URL),
			config.WithRuntimeStartupTimeout(time.Second),
		)
		Expect(err).ToNot(HaveOccurred())
		Expect(app.Shutdown(context.Background())).To(Succeed())
	})

	It("releases the model on shutdown", func() {
		app, err := New(config.WithSources(volume), config.WithDevice("cpu"), config.WithRuntimeBackend("mock"))
		Expect(err).ToNot(HaveOccurred())
		app.Start()
		Expect(app.Ready()).To(BeTrue())
		Expect(app.Shutdown(context.Background())).To(Succeed())
		Expect(app.Ready()).To(BeFalse())
	})
})
