package acceptance_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type workflowView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Steps  []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"steps"`
}

var _ = Describe("a linear three-step workflow", func() {
	var h *testHarness

	BeforeEach(func() {
		h = newHarness("wf-linear")
	})

	AfterEach(func() {
		h.cleanup()
	})

	It("runs every step to completion and opens a draft PR", func() {
		createOut, err := h.runOrchestrator("workflow", "create",
			"--title", "Linear demo",
			"--repo", h.repoDir,
			"--base", "main",
			"--steps", `[{"Title":"one"},{"Title":"two","DependsOn":[0]},{"Title":"three","DependsOn":[1]}]`,
		)
		Expect(err).NotTo(HaveOccurred(), "output: %s", createOut)

		var created workflowView
		Expect(json.Unmarshal([]byte(createOut), &created)).To(Succeed())
		Expect(created.Steps).To(HaveLen(3))

		stop := h.startServe()
		defer stop()

		Eventually(func() string {
			out, err := h.runOrchestrator("workflow", "show", created.ID)
			if err != nil {
				return ""
			}
			var wf workflowView
			if err := json.Unmarshal([]byte(out), &wf); err != nil {
				return ""
			}
			return wf.Status
		}, 20*time.Second, 100*time.Millisecond).Should(Equal("pr_open"))

		out, err := h.runOrchestrator("workflow", "show", created.ID)
		Expect(err).NotTo(HaveOccurred())
		var final workflowView
		Expect(json.Unmarshal([]byte(out), &final)).To(Succeed())
		for _, st := range final.Steps {
			Expect(st.Status).To(Equal("complete"))
		}
	})
})
