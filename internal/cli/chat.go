package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"agentsync/internal/client"
	"agentsync/internal/models"
	"agentsync/internal/reconcile"

	"github.com/spf13/cobra"
)

var chatOpts struct {
	server   string
	username string
	password string
	session  string
	register bool
	interval time.Duration
	maxWait  time.Duration
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running agentsync server from the terminal",
	Long: `Chat sends each line you type to the server and shows the agent's
replies as they arrive. Commands: /new, /history, /open <id>, /retry, /quit.`,
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatOpts.server, "server", "http://127.0.0.1:8090", "server base url")
	f.StringVarP(&chatOpts.username, "username", "u", os.Getenv("AGENTSYNC_USERNAME"), "username")
	f.StringVarP(&chatOpts.password, "password", "p", os.Getenv("AGENTSYNC_PASSWORD"), "password")
	f.StringVar(&chatOpts.session, "session", "", "session to resume")
	f.BoolVar(&chatOpts.register, "register", false, "create the account first")
	f.DurationVar(&chatOpts.interval, "interval", reconcile.DefaultInterval, "poll interval")
	f.DurationVar(&chatOpts.maxWait, "max-wait", reconcile.DefaultMaxWait, "give up waiting for a reply after this long")
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatOpts.username == "" || chatOpts.password == "" {
		return errors.New("username and password are required")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := client.New(client.Config{BaseURL: chatOpts.server, BusyRetry: 30 * time.Second})
	if err != nil {
		return err
	}
	if chatOpts.register {
		if _, err := c.Register(ctx, chatOpts.username, chatOpts.password); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}
	if _, err := c.Login(ctx, chatOpts.username, chatOpts.password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	out := cmd.OutOrStdout()
	printer := newTranscript(out)
	view := reconcile.NewView(c, reconcile.Options{
		Interval: chatOpts.interval,
		MaxWait:  chatOpts.maxWait,
		OnChange: printer.update,
	})
	viewDone := make(chan error, 1)
	go func() { viewDone <- view.Run(ctx) }()
	defer func() {
		view.Close()
		<-viewDone
	}()

	s := &chatSession{client: c, view: view, out: out}
	if chatOpts.session != "" {
		if err := s.open(ctx, chatOpts.session); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "Type a message, or /quit to leave.")

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// chatAPI is the part of the client a chat session talks to.
type chatAPI interface {
	Chat(ctx context.Context, sessionID, message, messageID string) (client.ChatAck, error)
	Run(ctx context.Context, sessionID, message, messageID string) (models.Ack, error)
	History(ctx context.Context, offset, limit int) (*client.History, error)
}

type chatSession struct {
	client    chatAPI
	view      *reconcile.View
	out       io.Writer
	sessionID string
}

func (s *chatSession) open(ctx context.Context, sessionID string) error {
	if err := s.view.Open(ctx, sessionID); err != nil {
		return err
	}
	s.sessionID = sessionID
	fmt.Fprintf(s.out, "-- session %s\n", sessionID)
	return nil
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/new":
		s.sessionID = ""
		fmt.Fprintln(s.out, "-- next message starts a new session")
		return false, nil
	case line == "/retry":
		return false, s.view.Retry(ctx)
	case line == "/history":
		return false, s.history(ctx)
	case strings.HasPrefix(line, "/open "):
		return false, s.open(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
	}
	return false, s.send(ctx, line)
}

// send shows the message at once and dispatches it. The reply arrives
// through the view's polling. A message the server refuses is withdrawn
// from the view.
func (s *chatSession) send(ctx context.Context, text string) error {
	msg := reconcile.NewOptimistic(text, time.Now())
	if s.sessionID == "" {
		// the server names the session, so the view can only show the
		// message once it is open; a fetch that already holds it wins
		ack, err := s.client.Chat(ctx, "", text, msg.ID)
		if err != nil {
			return err
		}
		if err := s.open(ctx, ack.SessionID); err != nil {
			return err
		}
		_, err = s.view.AddOptimistic(ctx, msg)
		return err
	}
	if _, err := s.view.AddOptimistic(ctx, msg); err != nil {
		return err
	}
	if _, err := s.client.Run(ctx, s.sessionID, text, msg.ID); err != nil {
		if rmErr := s.view.RemoveOptimistic(ctx, msg.ID, err); rmErr != nil {
			return errors.Join(err, rmErr)
		}
		return err
	}
	return nil
}

func (s *chatSession) history(ctx context.Context) error {
	h, err := s.client.History(ctx, 0, 20)
	if err != nil {
		return err
	}
	groups := []struct {
		label    string
		sessions []client.SessionSummary
	}{
		{"Today", h.Sessions.Today},
		{"Yesterday", h.Sessions.Yesterday},
		{"This week", h.Sessions.ThisWeek},
		{"Older", h.Sessions.Older},
	}
	for _, g := range groups {
		if len(g.sessions) == 0 {
			continue
		}
		fmt.Fprintln(s.out, g.label)
		for _, sess := range g.sessions {
			fmt.Fprintf(s.out, "  %s  %s\n", sess.ID, sess.Title)
		}
	}
	for _, n := range h.Notices {
		fmt.Fprintf(s.out, "! %s (%s)\n", n.Message, n.Link)
	}
	if h.HasMore {
		fmt.Fprintln(s.out, "  ...")
	}
	return nil
}

// transcript prints confirmed messages once. It is only called from the
// view goroutine.
type transcript struct {
	out     io.Writer
	printed map[string]bool
	notices map[string]bool
	status  reconcile.Status
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: map[string]bool{}, notices: map[string]bool{}}
}

func (t *transcript) update(st reconcile.State) {
	for _, m := range st.Messages {
		if m.Pending || t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		if m.Type == models.MessageUser {
			continue
		}
		fmt.Fprintf(t.out, "%s> %s\n", m.Agent, m.Content)
		for _, src := range m.Sources {
			fmt.Fprintf(t.out, "   [%s] %s %s\n", src.ID, src.Title, src.URL)
		}
	}
	for _, n := range st.Notices {
		if t.notices[n.ID] {
			continue
		}
		t.notices[n.ID] = true
		fmt.Fprintf(t.out, "! %s\n", n.Message)
	}
	if st.Status == t.status {
		return
	}
	t.status = st.Status
	switch st.Status {
	case reconcile.StatusTimedOut:
		fmt.Fprintln(t.out, "-- no reply yet; /retry to keep waiting")
	case reconcile.StatusPaused:
		fmt.Fprintf(t.out, "-- cannot reach the server (%v); /retry to resume\n", st.Err)
	case reconcile.StatusNotFound:
		fmt.Fprintln(t.out, "-- this session no longer exists")
	}
}
