package xsysinfo_test

import (
	. "github.com/mudler/sdxl-worker/pkg/xsysinfo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DetectDevice", func() {
	It("honours SDXL_FORCE_DEVICE", func() {
		GinkgoT().Setenv("SDXL_FORCE_DEVICE", "cpu")
		Expect(DetectDevice()).To(Equal("cpu"))

		GinkgoT().Setenv("SDXL_FORCE_DEVICE", "cuda")
		Expect(DetectDevice()).To(Equal("cuda"))
	})

	It("falls back to a known device", func() {
		GinkgoT().Setenv("SDXL_FORCE_DEVICE", "")
		Expect(DetectDevice()).To(BeElementOf("cpu", "cuda"))
	})
})

var _ = Describe("GetSystemRAMInfo", func() {
	It("reports memory totals", func() {
		info := GetSystemRAMInfo()
		Expect(info).ToNot(BeNil())
	})
})
