package acceptance_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("a diamond dependency graph with bounded concurrency", func() {
	var h *testHarness

	BeforeEach(func() {
		h = newHarness("wf-diamond")
	})

	AfterEach(func() {
		h.cleanup()
	})

	It("never runs more than maxConcurrent steps at once and still finishes every step", func() {
		createOut, err := h.runOrchestrator("workflow", "create",
			"--title", "Diamond demo",
			"--repo", h.repoDir,
			"--base", "main",
			"--steps", `[
				{"Title":"root"},
				{"Title":"left","DependsOn":[0]},
				{"Title":"right","DependsOn":[0]},
				{"Title":"join","DependsOn":[1,2]}
			]`,
		)
		Expect(err).NotTo(HaveOccurred(), "output: %s", createOut)

		var created workflowView
		Expect(json.Unmarshal([]byte(createOut), &created)).To(Succeed())

		policyOut, err := h.runOrchestrator("policy", "update", "--max-concurrent", "2")
		Expect(err).NotTo(HaveOccurred(), "output: %s", policyOut)

		stop := h.startServe()
		defer stop()

		maxRunning := 0
		done := false
		deadline := time.Now().Add(20 * time.Second)
		for time.Now().Before(deadline) && !done {
			out, err := h.runOrchestrator("workflow", "show", created.ID)
			if err == nil {
				var wf workflowView
				if json.Unmarshal([]byte(out), &wf) == nil {
					running := 0
					for _, st := range wf.Steps {
						if st.Status == "running" {
							running++
						}
					}
					if running > maxRunning {
						maxRunning = running
					}
					if wf.Status == "pr_open" || wf.Status == "failed" {
						done = true
						Expect(wf.Status).To(Equal("pr_open"))
						for _, st := range wf.Steps {
							Expect(st.Status).To(Equal("complete"))
						}
					}
				}
			}
			time.Sleep(50 * time.Millisecond)
		}

		Expect(done).To(BeTrue(), "workflow did not reach a terminal state in time")
		Expect(maxRunning).To(BeNumerically("<=", 2))
	})
})
