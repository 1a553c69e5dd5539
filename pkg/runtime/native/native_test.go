package native

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/mudler/sdxl-worker/pkg/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeLibrary stands in for libsdxl.
type fakeLibrary struct {
	lastError string
	loadCode  int32
	genCode   int32
	enabled   []string
	released  []int64
	emptied   int
	generated []string
}

func (f *fakeLibrary) library() *library {
	return &library{
		Load: func(path, dtype, variant string, safetensors, localOnly bool, handle *int64) int32 {
			if f.loadCode != codeOK {
				f.lastError = "cannot load " + path
				return f.loadCode
			}
			*handle = 7
			return codeOK
		},
		SetScheduler: func(handle int64, name string) int32 { return codeOK },
		To:           func(handle int64, device string) int32 { return codeOK },
		Enable: func(handle int64, feature string) int32 {
			f.enabled = append(f.enabled, feature)
			return codeOK
		},
		Generate: func(handle int64, prompt, negative string, width, height, steps int32, guidance float32, images int32, seed int64, hasSeed bool, outDir string) int32 {
			if f.genCode != codeOK {
				f.lastError = "CUDA out of memory. Tried to allocate 2.00 GiB"
				return f.genCode
			}
			f.generated = append(f.generated, outDir)
			for i := range int(images) {
				writePNG(filepath.Join(outDir, fmt.Sprintf("%03d.png", i)), int(width), int(height))
			}
			return codeOK
		},
		EmptyCache: func() { f.emptied++ },
		Release: func(handle int64) int32 {
			f.released = append(f.released, handle)
			return codeOK
		},
		LastError: func() string { return f.lastError },
	}
}

func writePNG(path string, w, h int) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	Expect(err).ToNot(HaveOccurred())
	defer f.Close()
	Expect(png.Encode(f, img)).To(Succeed())
}

var _ = Describe("Runtime", func() {
	var (
		fake *fakeLibrary
		rt   *Runtime
		ctx  = context.Background()
	)

	BeforeEach(func() {
		fake = &fakeLibrary{}
		rt = newRuntime(fake.library(), GinkgoT().TempDir())
	})

	It("loads and generates images through the library", func() {
		p, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{DType: model.DTypeFloat16, Variant: "fp16"})
		Expect(err).ToNot(HaveOccurred())
		Expect(p.(*Pipeline).handle).To(Equal(int64(7)))

		seed := int64(42)
		images, err := p.Generate(ctx, model.GenerateParams{Prompt: "x", Width: 64, Height: 32, Steps: 10, GuidanceScale: 7.5, Images: 2, Seed: &seed})
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(2))
		Expect(images[0].Bounds().Dx()).To(Equal(64))
		Expect(images[0].Bounds().Dy()).To(Equal(32))

		Expect(fake.generated).To(HaveLen(1))
		Expect(fake.generated[0]).ToNot(BeAnExistingFile())
	})

	It("passes feature toggles by name", func() {
		p, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(p.EnableAttentionSlicing()).To(Succeed())
		Expect(p.EnableModelCPUOffload()).To(Succeed())
		Expect(p.EnableMemoryEfficientAttention()).To(Succeed())
		Expect(fake.enabled).To(Equal([]string{FeatureAttentionSlicing, FeatureCPUOffload, FeatureEfficientAttn}))

		Expect(p.Release()).To(Succeed())
		Expect(fake.released).To(Equal([]int64{7}))
	})

	It("maps return codes to runtime errors", func() {
		fake.loadCode = codeVariantUnavailable
		_, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{Variant: "fp16"})
		Expect(err).To(MatchError(model.ErrVariantUnavailable))
		Expect(err.Error()).To(ContainSubstring("cannot load /models/sdxl"))

		fake.loadCode = codeFailure
		_, err = rt.Load(ctx, "/models/sdxl", model.LoadOptions{})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, model.ErrVariantUnavailable)).To(BeFalse())
		Expect(errors.Is(err, model.ErrOutOfMemory)).To(BeFalse())
	})

	It("reports out of memory during generation", func() {
		p, err := rt.Load(ctx, "/models/sdxl", model.LoadOptions{})
		Expect(err).ToNot(HaveOccurred())

		fake.genCode = codeOutOfMemory
		_, err = p.Generate(ctx, model.GenerateParams{Prompt: "x", Width: 8, Height: 8, Images: 1})
		Expect(err).To(MatchError(model.ErrOutOfMemory))
		Expect(err.Error()).To(ContainSubstring("Tried to allocate"))

		rt.EmptyCache()
		Expect(fake.emptied).To(Equal(1))
	})

	It("fails when the library wrote nothing", func() {
		_, err := readImages(GinkgoT().TempDir())
		Expect(err).To(MatchError(ContainSubstring("no images")))
	})
})
