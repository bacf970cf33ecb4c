package stages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
)

const stateBlock = `{{define "state"}}USER QUERY:
{{.View.Query}}

HISTORY:
{{range .View.History}}[{{.Role}}] {{.Text}}
{{else}}(none)
{{end}}
RETRIEVED CONTEXT:
{{range .View.Context}}- ({{.Tier}}, score {{printf "%.2f" .Score}}) {{.Text}}
{{else}}(none)
{{end}}
CURRENT SNAPSHOT:
goal_achieved={{.View.Snapshot.GoalAchieved}} summary={{printf "%q" .View.Snapshot.Summary}}
{{range .View.Snapshot.Facts}}- fact: {{.}}
{{end}}
PLAN (version {{.View.PlanVersion}}):
{{range .View.Plan}}{{.Describe}} [{{.Status}}]{{with .Result}} => {{json .}}{{end}}{{with .Error}} !! {{.}}{{end}}
{{else}}(no plan yet)
{{end}}{{end}}`

const perceptionSystem = `You are the perception stage of a planning agent. You read the state of a task and the
latest step result, and you report progress as strict JSON with exactly these fields:
{"facts": [string], "goal_achieved": bool, "summary": string, "answer": string, "confidence": number}
Set goal_achieved only when the user's original query is fully answered, and put the final answer in "answer".
Record failures of the last step as facts. Do not invent results. Output JSON only.`

const perceptionUser = `{{template "state" .}}
LATEST INPUT ({{.InputKind}}):
{{.Input}}
`

const decisionSystem = `You are the decision stage of a planning agent. You produce plans as strict JSON.
Each step has a "kind" and exactly the fields that kind needs:
  {"kind": "TOOL_CALL", "tool": name, "params": {...}}
  {"kind": "CODE", "code": expression}      single expression; tools are callable as functions with positional arguments
  {"kind": "ASK_USER", "question": text}
  {"kind": "FINAL_ANSWER", "answer": text}
Prefer answering from the retrieved context. Search stored documents before asking the user.
If the last tool failed, ask the user or route around the failure. Output JSON only.

AVAILABLE TOOLS:
{{.Tools}}`

const planUser = `{{template "state" .}}
{{with .Feedback}}PREVIOUS ATTEMPT WAS REJECTED:
{{.}}

{{end}}Produce the initial plan as {"reasoning": string, "steps": [step, ...]}.
`

const replanUser = `{{template "state" .}}
{{with .Feedback}}USER FEEDBACK:
{{.}}

{{end}}Decide whether the remaining PENDING steps are still the right way to finish the task.
Answer {"reasoning": string, "keep": true} to continue unchanged, or
{"reasoning": string, "keep": false, "steps": [step, ...]} to replace every PENDING step.
Completed steps cannot be changed.
`

var templates = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	},
}).Parse(stateBlock))

func init() {
	for name, text := range map[string]string{
		"perception_user": perceptionUser,
		"decision_system": decisionSystem,
		"plan_user":       planUser,
		"replan_user":     replanUser,
	} {
		template.Must(templates.New(name).Parse(text))
	}
}

type promptData struct {
	View      blackboard.View
	Tools     string
	Feedback  string
	InputKind string
	Input     string
}

func render(name string, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
