package acceptance_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var binaryPath string

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}

var _ = BeforeSuite(func() {
	_, thisFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
	binaryPath = filepath.Join(projectRoot, "bin", "orchestrator-test")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/orchestrator")
	cmd.Dir = projectRoot
	cmd.Env = append(cmd.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "failed to build binary: %s", string(output))
})

// testHarness bundles the temp repo, fake gh stub, and config path a
// scenario needs to drive the binary end to end.
type testHarness struct {
	tmpDir     string
	repoDir    string
	binDir     string
	configPath string
	env        []string
}

// newHarness initializes a git repo with an initial commit on main and
// a local bare remote to push to, a fake `gh` on PATH that mimics
// `gh pr create`, a fake agent script, and a config file wired to them.
func newHarness(namePrefix string) *testHarness {
	tmpDir, err := os.MkdirTemp("", namePrefix+"-*")
	Expect(err).NotTo(HaveOccurred())

	repoDir := filepath.Join(tmpDir, "repo")
	runGit(tmpDir, "init", repoDir)
	runGit(repoDir, "checkout", "-b", "main")
	writeFile(filepath.Join(repoDir, "README.md"), "hello\n")
	runGit(repoDir, "add", "README.md")
	runGit(repoDir, "commit", "-m", "initial commit")

	// A bare remote so ResolveRepoContext/PushBranch have something to
	// read and push to without reaching the network.
	remoteDir := filepath.Join(tmpDir, "remote.git")
	runGit(tmpDir, "init", "--bare", remoteDir)
	runGit(repoDir, "remote", "add", "origin", "git@github.com:acme/widgets.git")
	// Push goes to a local bare repo; get-url (fetch) stays the
	// GitHub-shaped remote so ResolveRepoContext's owner/name parsing
	// exercises the real shape a cloned repo would have.
	runGit(repoDir, "remote", "set-url", "--push", "origin", remoteDir)

	// gh pr create is stubbed: the acceptance suite verifies the engine
	// invokes it and reacts to the returned PR URL, not gh's own behavior.
	binDir := filepath.Join(tmpDir, "fakebin")
	Expect(os.MkdirAll(binDir, 0o755)).To(Succeed())
	ghScript := "#!/bin/sh\necho https://github.com/acme/widgets/pull/99\n"
	writeExecutable(filepath.Join(binDir, "gh"), ghScript)

	// The fake agent stands in for a real coding assistant: it reads the
	// work branch out of its system prompt (the same way the orchestrator
	// tells a real agent which branch to commit to), checks it out if
	// this is the first step to touch it, and leaves a commit behind.
	// Concurrent steps share one working directory (the engine has no
	// per-step worktree isolation), so the agent serializes its git
	// sequence against a lock file sitting next to the repo rather than
	// inside it.
	agentScript := `#!/bin/sh
set -e
lockfile="$PWD/../agent.lock"
(
  flock 9
  branch=$(printf '%s' "$ORCHESTRATOR_SYSTEM_PROMPT" | sed -n 's/.*on branch \([^ ]*\) (base.*/\1/p')
  if git rev-parse --verify "$branch" >/dev/null 2>&1; then
    git checkout -q "$branch"
  else
    git checkout -q -b "$branch"
  fi
  echo "step $$" >> "step-output-$$.txt"
  git add -A
  git commit -q -m "step" --allow-empty
) 9>"$lockfile"
echo "tokens_used: 5"
echo "tool_calls: 1"
`
	agentPath := filepath.Join(tmpDir, "fake-agent.sh")
	writeExecutable(agentPath, agentScript)

	masterKeyPath := filepath.Join(tmpDir, "master.key")
	writeFile(masterKeyPath, "acceptance-suite-master-key")

	configPath := filepath.Join(tmpDir, "orchestrator.yaml")
	writeFile(configPath, fmt.Sprintf(`
stores:
  workflows_path: %s
  credentials_path: %s
agent:
  command: %s
master_key:
  file: %s
engine:
  tick_interval: 50ms
  min_poll_interval: 20ms
  max_poll_interval: 100ms
`, filepath.Join(tmpDir, "workflows.json"), filepath.Join(tmpDir, "credentials.json"), agentPath, masterKeyPath))

	env := append(os.Environ(), "PATH="+binDir+":"+os.Getenv("PATH"))

	return &testHarness{tmpDir: tmpDir, repoDir: repoDir, binDir: binDir, configPath: configPath, env: env}
}

func (h *testHarness) cleanup() {
	os.RemoveAll(h.tmpDir)
}

func (h *testHarness) orchestrator(args ...string) *exec.Cmd {
	cmd := exec.Command(binaryPath, append([]string{"--config", h.configPath}, args...)...)
	cmd.Env = h.env
	return cmd
}

func (h *testHarness) runOrchestrator(args ...string) (string, error) {
	out, err := h.orchestrator(args...).CombinedOutput()
	return string(out), err
}

// startServe launches `orchestrator serve` in the background and
// returns a stop func that signals it and waits for exit.
func (h *testHarness) startServe() (stop func()) {
	cmd := h.orchestrator("serve")
	Expect(cmd.Start()).To(Succeed())
	return func() {
		cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cmd.Process.Kill()
		}
	}
}

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func writeFile(path, content string) {
	ExpectWithOffset(1, os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	ExpectWithOffset(1, os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
}

func writeExecutable(path, content string) {
	ExpectWithOffset(1, os.WriteFile(path, []byte(content), 0o755)).To(Succeed())
}
