package sdxl_test

import (
	"os"
	"path/filepath"

	. "github.com/mudler/sdxl-worker/pkg/sdxl"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validate", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("returns not found for a missing location", func() {
		_, err := Validate(filepath.Join(dir, "nope"))
		Expect(err).To(MatchError(ErrSourceNotFound))
	})

	It("accepts a bundle with standard precision weights", func() {
		writeBundle(dir, "")
		report, err := Validate(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.OK()).To(BeTrue())
		Expect(report.DegradedPrecisionComponents).To(BeEmpty())
		Expect(report.ReducedPrecisionOnly()).To(BeFalse())
		Expect(report.Variants).To(HaveKeyWithValue("unet", PrecisionStandard))
	})

	It("accepts reduced precision weights and reports them as degraded", func() {
		writeBundle(dir, ReducedVariant)
		report, err := Validate(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.OK()).To(BeTrue())
		Expect(report.DegradedPrecisionComponents).To(ConsistOf("text_encoder", "text_encoder_2", "unet", "vae"))
		Expect(report.ReducedPrecisionOnly()).To(BeTrue())
	})

	It("prefers the standard file when both precisions are present", func() {
		writeBundle(dir, ReducedVariant)
		touch(filepath.Join(dir, "unet", "diffusion_pytorch_model.safetensors"))
		report, err := Validate(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Variants).To(HaveKeyWithValue("unet", PrecisionStandard))
		Expect(report.DegradedPrecisionComponents).ToNot(ContainElement("unet"))
		Expect(report.ReducedPrecisionOnly()).To(BeFalse())
	})

	It("accepts either weight variant for every component", func() {
		for _, c := range Components {
			if !c.HasWeights() {
				continue
			}
			for _, w := range c.WeightFiles {
				d := GinkgoT().TempDir()
				writeBundle(d, "")
				for _, other := range c.WeightFiles {
					os.Remove(filepath.Join(d, c.Name, other.Name))
				}
				touch(filepath.Join(d, c.Name, w.Name))

				report, err := Validate(d)
				Expect(err).ToNot(HaveOccurred())
				Expect(report.MissingComponents).ToNot(ContainElement(c.Name), "%s with %s", c.Name, w.Name)
				Expect(report.Variants[c.Name]).To(Equal(w.Precision))
			}
		}
	})

	It("reports components without weights as missing", func() {
		writeBundle(dir, "")
		Expect(os.Remove(filepath.Join(dir, "vae", "diffusion_pytorch_model.safetensors"))).To(Succeed())
		report, err := Validate(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.OK()).To(BeFalse())
		Expect(report.MissingComponents).To(ConsistOf("vae"))
	})

	It("reports missing directories, configs and the model index", func() {
		writeBundle(dir, "")
		Expect(os.RemoveAll(filepath.Join(dir, "text_encoder_2"))).To(Succeed())
		Expect(os.Remove(filepath.Join(dir, "scheduler", "scheduler_config.json"))).To(Succeed())
		Expect(os.Remove(filepath.Join(dir, "model_index.json"))).To(Succeed())

		report, err := Validate(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.MissingComponents).To(ConsistOf("model_index.json", "text_encoder_2", "scheduler"))
	})

	It("does not fail on missing tokenizers", func() {
		writeBundle(dir, "")
		Expect(os.RemoveAll(filepath.Join(dir, "tokenizer_2"))).To(Succeed())
		report, err := Validate(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.OK()).To(BeTrue())
		Expect(report.MissingOptional).To(ConsistOf("tokenizer_2"))
	})

	It("wraps failing reports in a validation error", func() {
		err := error(&ValidationError{Report: &ValidationReport{Location: dir, MissingComponents: []string{"unet"}}})
		Expect(err).To(MatchError(ErrSourceValidationFailed))
		Expect(err.Error()).To(ContainSubstring("unet"))
	})
})
