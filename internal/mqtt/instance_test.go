package mqtt

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("InstanceID", func() {
	AfterEach(func() {
		Expect(os.Unsetenv(InstanceIDEnv)).To(Succeed())
	})

	It("should honour the environment override", func() {
		Expect(os.Setenv(InstanceIDEnv, "override")).To(Succeed())
		Expect(InstanceID()).To(Equal("override"))
	})

	It("should truncate long identities to eight characters", func() {
		Expect(os.Setenv(InstanceIDEnv, "averylonghostname")).To(Succeed())
		Expect(InstanceID()).To(Equal("averylon"))
	})

	It("should trim surrounding whitespace before use", func() {
		Expect(os.Setenv(InstanceIDEnv, "  gw01  ")).To(Succeed())
		Expect(InstanceID()).To(Equal("gw01"))
	})

	It("should derive an identity without the override", func() {
		Expect(InstanceID()).NotTo(BeEmpty())
		Expect(len(InstanceID())).To(BeNumerically("<=", 8))
	})
})

var _ = Describe("ClientID", func() {
	It("should combine the prefix and the instance identity", func() {
		Expect(ClientID("site_001", "abc123")).To(Equal("site_001_iabc123"))
	})
})
