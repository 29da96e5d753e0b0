package enrich

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/ringmaster/pkg/models"
)

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeRepoFile(t, root, "README.md", "# Demo\n\nA demo service.\n")
	writeRepoFile(t, root, "src/auth/login.py", "def login(user):\n    return check_password(user)\n")
	writeRepoFile(t, root, "src/auth/session.py", "from auth.login import login\n\ndef start_session():\n    pass\n")
	writeRepoFile(t, root, "src/billing/invoice.py", "def render_invoice():\n    pass\n")
	writeRepoFile(t, root, ".env", "DATABASE_URL=postgres://u:p@h/db\nLOG_LEVEL=info\n")
	return root
}

func testTask(title, desc string) *models.Bead {
	return &models.Bead{
		ID: "bd-test1", ProjectID: "p1", Type: models.BeadTypeTask,
		Title: title, Description: desc,
		Status: models.BeadStatusAssigned, Priority: 2, MaxAttempts: 5,
	}
}

func testProject(root string) *models.Project {
	return &models.Project{
		ID: "p1", Name: "demo", Description: "demo service",
		TechStack: []string{"python"}, RepoPath: root,
	}
}

func TestAssembleCoreStages(t *testing.T) {
	root := testRepo(t)
	fs := &fakeStore{}
	p := NewPipeline(DefaultOptions(), fs, nil)

	prompt, err := p.Assemble(context.Background(), testTask("Fix login flow", "Update src/auth/login.py to reject empty passwords"), testProject(root))
	require.NoError(t, err)

	assert.Contains(t, prompt.UserPrompt, "## Task")
	assert.Contains(t, prompt.UserPrompt, "Fix login flow")
	assert.Contains(t, prompt.UserPrompt, "## Project")
	assert.Contains(t, prompt.UserPrompt, "## Relevant Code")
	assert.Contains(t, prompt.UserPrompt, "src/auth/login.py")
	assert.Contains(t, prompt.UserPrompt, "explicit_mention")
	assert.Contains(t, prompt.UserPrompt, "<promise>COMPLETE</promise>")

	assert.Contains(t, prompt.Metrics.StagesApplied, "task_context")
	assert.Contains(t, prompt.Metrics.StagesApplied, "project_context")
	assert.Contains(t, prompt.Metrics.StagesApplied, "code_context")
	assert.Contains(t, prompt.Metrics.StagesApplied, "refinement_context")
	assert.Greater(t, prompt.Metrics.EstimatedTokens, 0)

	require.Len(t, prompt.ContextHash, 16)

	// Assembly is audited.
	require.Len(t, fs.assembly, 1)
	assert.Equal(t, "bd-test1", fs.assembly[0].TaskID)
	assert.Equal(t, prompt.ContextHash, fs.assembly[0].ContextHash)
}

func TestContextHashStable(t *testing.T) {
	root := testRepo(t)
	p := NewPipeline(DefaultOptions(), nil, nil)
	task := testTask("Fix login flow", "Update src/auth/login.py")
	project := testProject(root)

	p1, err := p.Assemble(context.Background(), task, project)
	require.NoError(t, err)
	p2, err := p.Assemble(context.Background(), task, project)
	require.NoError(t, err)
	assert.Equal(t, p1.ContextHash, p2.ContextHash)

	p3, err := p.Assemble(context.Background(), testTask("Different task", "Other work"), project)
	require.NoError(t, err)
	assert.NotEqual(t, p1.ContextHash, p3.ContextHash)
}

func TestImportDependencyTracing(t *testing.T) {
	root := testRepo(t)
	p := NewPipeline(DefaultOptions(), nil, nil)

	prompt, err := p.Assemble(context.Background(),
		testTask("Session handling", "Rework src/auth/session.py expiry"), testProject(root))
	require.NoError(t, err)

	assert.Contains(t, prompt.UserPrompt, "src/auth/session.py")
	// session.py imports auth.login, which resolves locally.
	assert.Contains(t, prompt.UserPrompt, "src/auth/login.py")
	assert.Contains(t, prompt.UserPrompt, "import_dependency")
}

func TestDeployStageGatedAndRedacted(t *testing.T) {
	root := testRepo(t)
	p := NewPipeline(DefaultOptions(), nil, nil)

	// Non-deployment task: no deployment context.
	prompt, err := p.Assemble(context.Background(), testTask("Rename a function", "pure refactor"), testProject(root))
	require.NoError(t, err)
	assert.NotContains(t, prompt.Metrics.StagesApplied, "deployment_context")

	// Deployment-flavored task pulls .env, redacted.
	prompt, err = p.Assemble(context.Background(),
		testTask("Fix docker deployment", "container env configuration is wrong"), testProject(root))
	require.NoError(t, err)
	assert.Contains(t, prompt.Metrics.StagesApplied, "deployment_context")
	assert.Contains(t, prompt.UserPrompt, "DATABASE_URL=<REDACTED>")
	assert.NotContains(t, prompt.UserPrompt, "postgres://u:p@h/db")
}

func TestBudgetLimitsCodeStage(t *testing.T) {
	root := testRepo(t)
	opts := DefaultOptions()
	opts.MaxContextTokens = 300
	p := NewPipeline(opts, nil, nil)

	prompt, err := p.Assemble(context.Background(), testTask("Fix login flow", "Update src/auth/login.py"), testProject(root))
	require.NoError(t, err)
	assert.LessOrEqual(t, prompt.Metrics.EstimatedTokens, 300)
}

func TestResearchStageFindsSimilarTasks(t *testing.T) {
	root := testRepo(t)
	fs := &fakeStore{
		completed: []*models.Bead{
			{ID: "bd-done1", Title: "Fix login validation", Description: "login flow rejected valid passwords"},
			{ID: "bd-done2", Title: "Paint the shed", Description: "garden maintenance"},
		},
	}
	p := NewPipeline(DefaultOptions(), fs, nil)

	prompt, err := p.Assemble(context.Background(),
		testTask("Fix login flow", "login validation rejects passwords"), testProject(root))
	require.NoError(t, err)

	assert.Contains(t, prompt.Metrics.StagesApplied, "research_context")
	assert.Contains(t, prompt.UserPrompt, "Fix login validation")
	assert.NotContains(t, prompt.UserPrompt, "Paint the shed")
}

func TestMinimalPromptFallback(t *testing.T) {
	task := testTask("Fix login flow", "details here")
	out := MinimalPrompt(task, testProject("/tmp/none"))
	assert.Contains(t, out, "bd-test1")
	assert.Contains(t, out, "Fix login flow")
	assert.Contains(t, out, "<promise>COMPLETE</promise>")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
