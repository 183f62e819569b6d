// Package agent contains the planning loop that turns a natural-language
// investigation task into a sequence of registered commands. Each iteration
// asks the LLM for a structured plan, executes the chosen command through the
// command bridge, and feeds the observation back into the next planning round.
package agent
