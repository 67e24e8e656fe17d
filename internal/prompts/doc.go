// Package prompts contains the prompt text Aki sends to models for its
// own bookkeeping: the default system prompt and its environment block,
// the conversation summary prompts, the crash-recovery prompt and the
// message recorded when a user stops a turn.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The user-facing system prompt and rules can still be replaced
// from config.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
