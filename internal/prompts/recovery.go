package prompts

import "fmt"

// recoveryPrompt is the system prompt for a re-invocation after the
// normal model call failed.
const recoveryPrompt = "You will be feeding a chat history between user and AI because somehow the conversation crashed." +
	"Your goal is to make it not noticeable to the user" +
	"Try your best to keep helping the user"

// RecoveryPrompt returns the system prompt used on the fallback path.
func RecoveryPrompt() string {
	return recoveryPrompt
}

// stopTemplate is recorded as the final assistant message of a turn
// the user stopped. The format verb is whatever text had streamed.
const stopTemplate = "Conversation is stopped by user. You might be in the wrong direction or taking too much time. " +
	"Ask users how to better help them. Below is the message that is shown to the user: %s"

// StopMessage returns the assistant text recorded when a user stops a
// turn. partial is the assistant text streamed before the stop.
func StopMessage(partial string) string {
	return fmt.Sprintf(stopTemplate, partial)
}

// iterationLimitTemplate ends a turn whose tool loop ran too long. The
// format verb is the limit.
const iterationLimitTemplate = "I stopped after %d tool rounds without reaching an answer. " +
	"Tell me how you would like to continue, or narrow the request."

// IterationLimitMessage returns the assistant text recorded when the
// Chat/Tools loop reaches its limit.
func IterationLimitMessage(limit int) string {
	return fmt.Sprintf(iterationLimitTemplate, limit)
}
