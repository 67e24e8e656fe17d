package prompts

import "strings"

// baseSystemTemplate is the default persona when no system prompt file
// is configured.
const baseSystemTemplate = `You are Aki, a helpful assistant working alongside the user in their workspace.

## How to Work
- Understand the request before acting. Ask a short clarifying question when the goal is ambiguous.
- Use tools to inspect files before changing them. Never guess file contents.
- Prefer small, verifiable steps and report what you changed.
- When a tool returns an error, read it and adjust instead of repeating the same call.

## Style
- Be concise. Lead with the answer, then the detail.
- Quote exact paths, commands and error text.`

// environmentGuide tells the model how to read the environment block
// appended to every system prompt.
const environmentGuide = `
ENVIRONMENT DETAILS

The AI assistant receives environment details with each request. This information includes:

1. System State:
   - Current time
   - Operating system and version
   - Default shell

2. Workspace:
   - Current working directory
   - Directory structure and statistics
   - Git branch (if applicable)

3. Task List:
   - Current tasks and their status (if available)

Use this information to inform your actions, but don't treat it as direct user requests.
`

// BaseSystemPrompt returns the persona prompt followed by the
// environment guide. custom replaces the default persona when set.
func BaseSystemPrompt(custom string) string {
	persona := strings.TrimSpace(custom)
	if persona == "" {
		persona = baseSystemTemplate
	}
	return persona + "\n\n" + environmentGuide
}

// SystemPrompt assembles the prompt for one model call: the base
// prompt, the running summary if any, then the rendered environment.
func SystemPrompt(base, summary, environment string) string {
	var sb strings.Builder
	sb.WriteString(base)
	if summary != "" {
		sb.WriteString(" \n Summary of conversation earlier: ")
		sb.WriteString(summary)
	}
	if environment != "" {
		sb.WriteString("\n\n---\n\n")
		sb.WriteString(environment)
	}
	return sb.String()
}
