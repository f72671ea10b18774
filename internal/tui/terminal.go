package tui

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/linkerlin/groupclaw/internal/types"
)

const historyLimit = 200

// Store is the message persistence behind the terminal.
type Store interface {
	StoreMessage(m types.Message) error
	GetRecentMessages(chatJID string, limit int) ([]types.Message, error)
}

// Terminal adapts the bubbletea program to channel.Channel. Outbound text is
// stored as a bot message and the affected chat is re-rendered.
type Terminal struct {
	store     Store
	assistant string
	groups    func() []types.Group
	onInput   func(ctx context.Context, chatJID, text string)
	opts      []tea.ProgramOption
	log       *slog.Logger

	mu      sync.Mutex
	program *tea.Program
	done    chan struct{}
	err     error
}

// NewTerminal creates the adapter. groups is consulted on every refresh so
// groups registered at runtime show up in the sidebar; onInput receives each
// submitted line.
func NewTerminal(store Store, assistant string, groups func() []types.Group, onInput func(ctx context.Context, chatJID, text string), opts ...tea.ProgramOption) *Terminal {
	return &Terminal{
		store:     store,
		assistant: assistant,
		groups:    groups,
		onInput:   onInput,
		opts:      opts,
		log:       slog.Default().With("component", "tui"),
		done:      make(chan struct{}),
	}
}

// Connect starts the UI and calls onReady once messages can be delivered.
// The program runs until the user quits, ctx is cancelled or Close is called.
func (t *Terminal) Connect(ctx context.Context, onReady func()) error {
	t.mu.Lock()
	if t.program != nil {
		t.mu.Unlock()
		return errors.New("terminal already connected")
	}
	groups := t.groups()
	model := New(t.assistant, groups, func(chatJID, text string) {
		t.onInput(ctx, chatJID, text)
		t.refresh(chatJID)
	})
	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, t.opts...)
	t.program = tea.NewProgram(model, opts...)
	t.mu.Unlock()

	go func() {
		_, err := t.program.Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			err = nil
		}
		t.err = err
		close(t.done)
	}()

	for _, g := range groups {
		t.refresh(g.JID)
	}
	if onReady != nil {
		onReady()
	}
	return nil
}

// Done is closed when the UI has exited.
func (t *Terminal) Done() <-chan struct{} { return t.done }

// Err returns the error the UI exited with. Valid after Done is closed.
func (t *Terminal) Err() error {
	<-t.done
	return t.err
}

// Send stores text as a bot message in chatJID and shows it.
func (t *Terminal) Send(ctx context.Context, chatJID, text string) error {
	err := t.store.StoreMessage(types.Message{
		ID:           uuid.NewString(),
		ChatJID:      chatJID,
		Sender:       t.assistant,
		SenderName:   t.assistant,
		Content:      text,
		Timestamp:    time.Now(),
		IsFromMe:     true,
		IsBotMessage: true,
	})
	if err != nil {
		return err
	}
	t.refresh(chatJID)
	return nil
}

// Typing shows the thinking indicator for chatJID.
func (t *Terminal) Typing(ctx context.Context, chatJID string) error {
	t.send(ThinkingMsg{ChatJID: chatJID, Thinking: true})
	return nil
}

// StopTyping hides the thinking indicator for chatJID.
func (t *Terminal) StopTyping(ctx context.Context, chatJID string) error {
	t.send(ThinkingMsg{ChatJID: chatJID, Thinking: false})
	return nil
}

// Close stops the UI.
func (t *Terminal) Close() error {
	t.mu.Lock()
	p := t.program
	t.mu.Unlock()
	if p != nil {
		p.Quit()
	}
	return nil
}

func (t *Terminal) refresh(chatJID string) {
	msgs, err := t.store.GetRecentMessages(chatJID, historyLimit)
	if err != nil {
		t.log.Error("load history", "chat", chatJID, "error", err)
		return
	}
	t.send(GroupsUpdatedMsg{Groups: t.groups()})
	t.send(MessagesUpdatedMsg{ChatJID: chatJID, Messages: msgs})
}

// send delivers msg to the running program. It is a no-op before Connect
// and after the UI has exited.
func (t *Terminal) send(msg tea.Msg) {
	t.mu.Lock()
	p := t.program
	t.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	p.Send(msg)
}
