// Package agent is the default agent program launched by the bridge. It
// answers a prompt with a Google ADK LLM agent backed by Gemini and keeps a
// per-session transcript on disk for continuity between invocations.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/linkerlin/groupclaw/internal/bridge"
)

const (
	defaultModel = "gemini-2.0-flash"
	appName      = "nanoclaw"
	userID       = "user"

	// maxHistoryTurns bounds how much of the transcript is replayed.
	maxHistoryTurns = 20
)

// Options configures one invocation.
type Options struct {
	WorkDir   string // group folder; holds CLAUDE.md and the transcripts
	Assistant string
	APIKey    string
	Model     string
}

// OptionsFromEnv reads the environment prepared by the bridge.
func OptionsFromEnv() Options {
	o := Options{
		WorkDir:   os.Getenv("NANOCLAW_GROUP_DIR"),
		Assistant: os.Getenv("NANOCLAW_NAME"),
		APIKey:    os.Getenv("GOOGLE_API_KEY"),
		Model:     os.Getenv("GEMINI_MODEL"),
	}
	if o.WorkDir == "" {
		o.WorkDir, _ = os.Getwd()
	}
	if o.Model == "" {
		o.Model = defaultModel
	}
	return o
}

// Replier produces the model's answer to prompt.
type Replier interface {
	Reply(ctx context.Context, instruction, sessionID, prompt string) (string, error)
}

// Run answers in.Prompt and reports the outcome as a bridge result. The
// transcript of the session is extended only when the model succeeded.
func Run(ctx context.Context, in bridge.Input, opts Options, model Replier) bridge.Result {
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tr := Transcript{Path: transcriptPath(opts.WorkDir, sessionID)}

	history, err := tr.Load()
	if err != nil {
		return bridge.Result{Status: bridge.StatusError, Error: fmt.Sprintf("load transcript: %v", err)}
	}

	reply, err := model.Reply(ctx, loadInstruction(opts.WorkDir, opts.Assistant), sessionID, buildPrompt(history, in.Prompt))
	if err != nil {
		return bridge.Result{Status: bridge.StatusError, Error: err.Error(), NewSessionID: sessionID}
	}
	reply = strings.TrimSpace(reply)

	if err := tr.Append(Turn{Role: "user", Text: in.Prompt}, Turn{Role: "model", Text: reply}); err != nil {
		return bridge.Result{Status: bridge.StatusError, Error: fmt.Sprintf("save transcript: %v", err), NewSessionID: sessionID}
	}

	out := &bridge.Output{OutputType: bridge.OutputMessage, UserMessage: reply}
	if reply == "" {
		out = &bridge.Output{OutputType: bridge.OutputLog, InternalLog: "model returned no text"}
	}
	return bridge.Result{Status: bridge.StatusSuccess, Result: out, NewSessionID: sessionID}
}

// WriteResult prints res between the output markers.
func WriteResult(w io.Writer, res bridge.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n%s\n", bridge.OutputStartMarker, data, bridge.OutputEndMarker)
	return err
}

func buildPrompt(history []Turn, prompt string) string {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	if len(history) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString("<conversation_history>\n")
	for _, t := range history {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", t.Role, t.Text)
	}
	sb.WriteString("</conversation_history>\n\n")
	sb.WriteString(prompt)
	return sb.String()
}

// loadInstruction reads CLAUDE.md from the group folder.
func loadInstruction(workDir, assistant string) string {
	data, err := os.ReadFile(filepath.Join(workDir, "CLAUDE.md"))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		if assistant == "" {
			return "You are a helpful assistant."
		}
		return fmt.Sprintf("You are %s, a helpful assistant.", assistant)
	}
	return string(data)
}

// Gemini answers prompts through an ADK LLM agent.
type Gemini struct {
	Name   string
	APIKey string
	Model  string
}

// Reply creates the agent, runs one turn and concatenates its text parts.
func (g Gemini) Reply(ctx context.Context, instruction, sessionID, prompt string) (string, error) {
	if g.APIKey == "" {
		return "", fmt.Errorf("GOOGLE_API_KEY environment variable not set")
	}

	m, err := gemini.NewModel(ctx, g.Model, &genai.ClientConfig{
		APIKey: g.APIKey,
	})
	if err != nil {
		return "", fmt.Errorf("create gemini model: %w", err)
	}

	a, err := llmagent.New(llmagent.Config{
		Name:        agentName(g.Name),
		Model:       m,
		Instruction: instruction,
		Description: fmt.Sprintf("Assistant for group %s", g.Name),
	})
	if err != nil {
		return "", fmt.Errorf("create llm agent: %w", err)
	}

	sessionSvc := session.InMemoryService()
	_, err = sessionSvc.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return "", fmt.Errorf("create session: %w", err)
	}

	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          a,
		SessionService: sessionSvc,
	})
	if err != nil {
		return "", fmt.Errorf("create runner: %w", err)
	}

	userMsg := genai.NewContentFromText(prompt, genai.RoleUser)

	var sb strings.Builder
	for event, err := range r.Run(ctx, userID, sessionID, userMsg, agent.RunConfig{}) {
		if err != nil {
			return "", fmt.Errorf("agent run: %w", err)
		}
		if event.Content != nil {
			for _, part := range event.Content.Parts {
				if part.Text != "" {
					sb.WriteString(part.Text)
				}
			}
		}
	}
	return sb.String(), nil
}

// agentName turns a group folder into an identifier ADK accepts.
func agentName(folder string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, folder)
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "group_" + name
	}
	return name
}
