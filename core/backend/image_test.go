package backend_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"time"

	. "github.com/mudler/sdxl-worker/core/backend"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/pkg/model"
	"github.com/mudler/sdxl-worker/pkg/runtime/mock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const repo = "owner/repo"

func request() GenerationRequest {
	return GenerationRequest{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry",
		Width:          1024,
		Height:         1024,
		Steps:          30,
		GuidanceScale:  7.5,
		Images:         1,
	}
}

var _ = Describe("ImageGenerator", func() {
	var (
		rt  *mock.Runtime
		gen *ImageGenerator
		ctx context.Context
	)

	setup := func(opts ...mock.Option) {
		rt = mock.New(opts...)
		resolver := model.NewResolver(rt, model.WithSources(model.RemoteRepository{Repository: repo}))
		gen = NewImageGenerator(resolver, config.NewApplicationConfig(), nil)
	}

	pipeline := func() *mock.Pipeline {
		GinkgoHelper()
		Expect(rt.Pipelines()).To(HaveLen(1))
		return rt.Pipelines()[0]
	}

	BeforeEach(func() {
		ctx = context.Background()
		setup()
	})

	It("rejects an empty prompt without loading the model", func() {
		req := request()
		req.Prompt = "  "
		_, err := gen.Generate(ctx, req)
		Expect(err).To(MatchError(ErrMissingParameter))
		Expect(err.Error()).To(Equal("Missing required parameter: prompt"))
		Expect(rt.Loads()).To(BeEmpty())
		Expect(gen.Loaded()).To(BeFalse())
	})

	It("loads lazily and only once", func() {
		Expect(gen.Loaded()).To(BeFalse())
		_, err := gen.Generate(ctx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(gen.Loaded()).To(BeTrue())

		_, err = gen.Generate(ctx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(rt.Loads()).To(HaveLen(1))
		Expect(pipeline().GenerateCalls()).To(HaveLen(2))
	})

	It("clamps parameters into bounds", func() {
		req := request()
		req.Width = 2048
		req.Height = 100
		req.Steps = 200
		req.GuidanceScale = 50
		req.Images = 10

		res, err := gen.Generate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Request.Width).To(Equal(1536))
		Expect(res.Request.Height).To(Equal(512))
		Expect(res.Request.Steps).To(Equal(100))
		Expect(res.Request.GuidanceScale).To(Equal(20.0))
		Expect(res.Request.Images).To(Equal(4))
		Expect(res.Images).To(HaveLen(4))

		call := pipeline().GenerateCalls()[0]
		Expect(call.Width).To(Equal(1536))
		Expect(call.Steps).To(Equal(100))
	})

	It("returns decodable PNGs of the requested size", func() {
		req := request()
		req.Width, req.Height = 512, 640
		res, err := gen.Generate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Source).To(Equal(repo))

		data, err := base64.StdEncoding.DecodeString(res.Images[0])
		Expect(err).ToNot(HaveOccurred())
		img, err := png.Decode(bytes.NewReader(data))
		Expect(err).ToNot(HaveOccurred())
		Expect(img.Bounds().Dx()).To(Equal(512))
		Expect(img.Bounds().Dy()).To(Equal(640))
	})

	It("is deterministic for a seed", func() {
		seed := int64(42)
		req := request()
		req.Seed = &seed

		first, err := gen.Generate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		second, err := gen.Generate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Images).To(Equal(second.Images))
		Expect(*pipeline().GenerateCalls()[0].Seed).To(Equal(seed))
	})

	It("shares one load between concurrent callers and serializes generation", func() {
		setup(mock.WithGenerateDelay(20 * time.Millisecond))

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := gen.Generate(ctx, request())
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).ToNot(HaveOccurred())
		}

		Expect(rt.Loads()).To(HaveLen(1))
		Expect(pipeline().GenerateCalls()).To(HaveLen(8))
		Expect(pipeline().MaxConcurrent()).To(Equal(1))
	})

	It("finishes a generation whose caller went away", func() {
		setup(mock.WithGenerateDelay(200 * time.Millisecond))
		Expect(gen.Preload(ctx)).To(Succeed())

		callerCtx, cancel := context.WithCancel(ctx)
		time.AfterFunc(50*time.Millisecond, cancel)
		defer cancel()

		res, err := gen.Generate(callerCtx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(callerCtx.Err()).To(MatchError(context.Canceled))
		Expect(res.Images).To(HaveLen(1))
	})

	It("retries once with reduced quality after running out of memory", func() {
		setup(mock.WithGenerateErrors(fmt.Errorf("allocating 4GiB: %w", model.ErrOutOfMemory)))

		res, err := gen.Generate(ctx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Degraded).To(BeTrue())
		Expect(res.Note).To(Equal("Reduced quality due to memory constraints"))
		Expect(res.Request.Width).To(Equal(768))
		Expect(res.Request.Height).To(Equal(768))
		Expect(res.Request.Steps).To(Equal(15))

		calls := pipeline().GenerateCalls()
		Expect(calls).To(HaveLen(2))
		Expect(calls[1].Width).To(BeNumerically("<=", calls[0].Width))
		Expect(calls[1].Steps).To(BeNumerically("<=", calls[0].Steps))
		Expect(pipeline().EnabledToggles()).To(ContainElement(mock.ToggleCPUOffload))
	})

	It("never raises the step count when degrading", func() {
		setup(mock.WithGenerateErrors(model.ErrOutOfMemory))
		req := request()
		req.Steps = 12
		req.Width, req.Height = 640, 512

		res, err := gen.Generate(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Request.Steps).To(Equal(10))
		Expect(res.Request.Width).To(Equal(640))
		Expect(res.Request.Height).To(Equal(512))
	})

	It("gives up after a second out of memory", func() {
		setup(mock.WithGenerateErrors(model.ErrOutOfMemory, model.ErrOutOfMemory))

		_, err := gen.Generate(ctx, request())
		Expect(err).To(MatchError(ErrResourceExhausted))
		Expect(err).To(MatchError(model.ErrOutOfMemory))
		Expect(err.Error()).To(HavePrefix("CUDA OOM and retry failed: "))
		Expect(pipeline().GenerateCalls()).To(HaveLen(2))

		res, err := gen.Generate(ctx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Degraded).To(BeFalse())
		Expect(rt.Loads()).To(HaveLen(1))
	})

	It("does not retry other failures", func() {
		setup(mock.WithGenerateErrors(errors.New("nan in latents")))

		_, err := gen.Generate(ctx, request())
		Expect(err).To(MatchError(ErrGenerationFailed))
		Expect(pipeline().GenerateCalls()).To(HaveLen(1))
	})

	It("cleans up after every request", func() {
		setup(mock.WithGenerateErrors(errors.New("boom")))
		_, err := gen.Generate(ctx, request())
		Expect(err).To(HaveOccurred())
		after := rt.EmptyCacheCalls()
		Expect(after).To(BeNumerically(">=", 1))

		_, err = gen.Generate(ctx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(rt.EmptyCacheCalls()).To(BeNumerically(">", after))
	})

	It("tries loading again after a failed load", func() {
		setup(mock.WithLoadErrors(repo, errors.New("hub unreachable")))

		_, err := gen.Generate(ctx, request())
		Expect(err).To(MatchError(model.ErrAllSourcesExhausted))
		Expect(gen.Loaded()).To(BeFalse())

		_, err = gen.Generate(ctx, request())
		Expect(err).ToNot(HaveOccurred())
		Expect(rt.Loads()).To(HaveLen(2))
	})

	It("releases the model on close", func() {
		Expect(gen.Preload(ctx)).To(Succeed())
		Expect(gen.Close()).To(Succeed())
		Expect(gen.Loaded()).To(BeFalse())
		Expect(pipeline().IsReleased()).To(BeTrue())
	})
})

var _ = Describe("GenerationRequest", func() {
	It("degrades within the policy", func() {
		r := GenerationRequest{Width: 1536, Height: 1024, Steps: 100}
		d := r.Degrade(config.DefaultDegradedPolicy())
		Expect(d.Width).To(Equal(768))
		Expect(d.Height).To(Equal(768))
		Expect(d.Steps).To(Equal(50))
	})
})
