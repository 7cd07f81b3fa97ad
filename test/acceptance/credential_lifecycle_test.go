package acceptance_test

import (
	"encoding/json"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type credentialView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

var _ = Describe("credential grant and lease lifecycle", func() {
	var h *testHarness

	BeforeEach(func() {
		h = newHarness("wf-credential")
	})

	AfterEach(func() {
		h.cleanup()
	})

	It("grants access, accepts a time-bound lease without a grant, and revokes a grant only once", func() {
		createOut, err := h.runOrchestrator("credential", "create",
			"--name", "github-pat",
			"--category", "api_key",
			"--secret", "ghp_acceptance_secret",
		)
		Expect(err).NotTo(HaveOccurred(), "output: %s", createOut)

		var cred credentialView
		Expect(json.Unmarshal([]byte(createOut), &cred)).To(Succeed())
		Expect(cred.Category).To(Equal("api_key"))

		grantOut, err := h.runOrchestrator("credential", "grant", cred.ID, "--agent", "agent-ci")
		Expect(err).NotTo(HaveOccurred(), "output: %s", grantOut)

		leaseOut, err := h.runOrchestrator("credential", "lease", cred.ID, "--agent", "agent-other", "--task", "task-1", "--ttl", "1h")
		Expect(err).NotTo(HaveOccurred(), "output: %s", leaseOut)
		Expect(leaseOut).To(ContainSubstring("leaseId"))

		revokeOut, err := h.runOrchestrator("credential", "revoke", cred.ID, "--agent", "agent-ci")
		Expect(err).NotTo(HaveOccurred(), "output: %s", revokeOut)
		Expect(strings.TrimSpace(revokeOut)).To(Equal("revoked"))

		secondRevoke, err := h.runOrchestrator("credential", "revoke", cred.ID, "--agent", "agent-ci")
		Expect(err).To(HaveOccurred(), "expected second revoke of the same grant to fail")
		_ = secondRevoke
	})

	It("rejects an unknown category at creation", func() {
		out, err := h.runOrchestrator("credential", "create",
			"--name", "bogus",
			"--category", "not_a_real_category",
			"--secret", "x",
		)
		Expect(err).To(HaveOccurred(), "output: %s", out)
	})
})
