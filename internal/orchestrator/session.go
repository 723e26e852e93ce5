package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/edward-labs/edward/internal/llm"
	"github.com/edward-labs/edward/internal/skills"
	"github.com/edward-labs/edward/internal/workflow"
)

// Session modes.
const (
	ModeGenerate = "generate"
	ModeFix      = "fix"
	ModeEdit     = "edit"
)

// Session carries everything one stream request needs.
type Session struct {
	UserID      string
	ChatID      string
	Mode        string
	UserContent string
	Framework   string
	Complexity  skills.Complexity
	IsNewChat   bool

	UserMessageID      string
	AssistantMessageID string
	RunID              string
	WorkflowID         string

	// History is the prior conversation, oldest first.
	History []llm.Message
	// ProjectContext holds current project files for fix/edit sessions,
	// loaded from the sandbox or the last snapshot.
	ProjectContext map[string]string
}

// basePrompt teaches the model the tag protocol. Skill packs and project
// context are appended per session.
const basePrompt = `You are Edward, an expert web-app generator.

Emit application source inside a sandbox block:
<edward_sandbox id="main">
<file path="relative/path.ext">
...file content...
</file>
</edward_sandbox>

Declare npm dependencies before the sandbox block:
<edward_install>
framework: nextjs
- package-one
- package-two
</edward_install>

You may call tools mid-stream:
<edward_command command="ls" args="[\"src\"]">  (read-only: cat ls find head tail grep wc)
<edward_web_search query="..." max_results="5">

Finish with <edward_done/> when the application is complete.
All file paths are relative to the project root. Never use absolute paths.`

// assembleMessages builds the model request: system prompt with skill packs
// and project context, then history, then the current user message.
func (o *Orchestrator) assembleMessages(sess *Session, wf *workflow.Workflow) (string, []llm.Message) {
	var sys strings.Builder
	sys.WriteString(basePrompt)

	framework := sess.Framework
	if framework == "" {
		framework = wf.Context.Framework
	}
	complexity := sess.Complexity
	if complexity == "" {
		complexity = skills.ComplexityMedium
	}
	if packs := o.skills.Prompt(framework, complexity); packs != "" {
		sys.WriteString("\n\n# Skills\n\n")
		sys.WriteString(packs)
	}

	if len(sess.ProjectContext) > 0 {
		sys.WriteString("\n\n# Current project files\n")
		paths := make([]string, 0, len(sess.ProjectContext))
		for p := range sess.ProjectContext {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(&sys, "\n<file path=%q>\n%s\n</file>\n", p, sess.ProjectContext[p])
		}
	}

	msgs := make([]llm.Message, 0, len(sess.History)+1)
	msgs = append(msgs, sess.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: sess.UserContent})
	return sys.String(), msgs
}
